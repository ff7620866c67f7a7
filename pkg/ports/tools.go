package ports

import (
	"context"

	"github.com/aescanero/dagflow/pkg/domain"
)

// Tool is a callable capability exposed by a tool client
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Invoke      func(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// ToolProvider resolves tool names to callables
type ToolProvider interface {
	Tools(ctx context.Context) (map[string]Tool, error)
}

// ClientManager owns the live set of tool clients
type ClientManager interface {
	// Clients returns the live client configurations
	Clients() []domain.ToolClientConfig
	AddClient(ctx context.Context, cfg domain.ToolClientConfig) error
	RefreshClient(ctx context.Context, cfg domain.ToolClientConfig) error
	RemoveClient(ctx context.Context, id string) error
}
