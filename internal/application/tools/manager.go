package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"go.uber.org/zap"
)

// ErrClientExists is returned when adding a client id that is already live
var ErrClientExists = errors.New("tool client already exists")

// ErrClientNotFound is returned for unknown client ids
var ErrClientNotFound = errors.New("tool client not found")

// Client is a live connection that exposes tools
type Client interface {
	Tools(ctx context.Context) ([]ports.Tool, error)
	Close() error
}

// ClientFactory connects a client from its configuration
type ClientFactory func(ctx context.Context, cfg domain.ToolClientConfig) (Client, error)

type liveClient struct {
	cfg    domain.ToolClientConfig
	client Client
}

// Manager implements ToolProvider and ClientManager. It is safe for
// concurrent use by any number of runs.
type Manager struct {
	factory ClientFactory
	logger  *zap.Logger

	mu      sync.RWMutex
	clients map[string]*liveClient
}

// NewManager creates a manager that connects clients with factory
func NewManager(factory ClientFactory, logger *zap.Logger) *Manager {
	if factory == nil {
		factory = BuiltinFactory
	}
	return &Manager{
		factory: factory,
		logger:  logger,
		clients: make(map[string]*liveClient),
	}
}

// Tools returns every tool of every live client keyed by tool name. When
// two clients expose the same name the client with the smaller id wins.
func (m *Manager) Tools(ctx context.Context) (map[string]ports.Tool, error) {
	m.mu.RLock()
	live := make([]*liveClient, 0, len(m.clients))
	for _, c := range m.clients {
		live = append(live, c)
	}
	m.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool { return live[i].cfg.ID < live[j].cfg.ID })

	tools := make(map[string]ports.Tool)
	for _, c := range live {
		list, err := c.client.Tools(ctx)
		if err != nil {
			m.logger.Warn("tool client unavailable",
				zap.String("client_id", c.cfg.ID),
				zap.Error(err))
			continue
		}
		for _, tool := range list {
			if _, exists := tools[tool.Name]; exists {
				m.logger.Warn("duplicate tool name",
					zap.String("tool", tool.Name),
					zap.String("client_id", c.cfg.ID))
				continue
			}
			tools[tool.Name] = tool
		}
	}
	return tools, nil
}

// Clients returns the live client configurations sorted by id
func (m *Manager) Clients() []domain.ToolClientConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.ToolClientConfig, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddClient connects a new client
func (m *Manager) AddClient(ctx context.Context, cfg domain.ToolClientConfig) error {
	m.mu.RLock()
	_, exists := m.clients[cfg.ID]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrClientExists, cfg.ID)
	}

	client, err := m.factory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect tool client %s: %w", cfg.ID, err)
	}

	m.mu.Lock()
	if _, exists := m.clients[cfg.ID]; exists {
		m.mu.Unlock()
		_ = client.Close()
		return fmt.Errorf("%w: %s", ErrClientExists, cfg.ID)
	}
	m.clients[cfg.ID] = &liveClient{cfg: cfg, client: client}
	m.mu.Unlock()

	m.logger.Info("tool client added", zap.String("client_id", cfg.ID), zap.String("name", cfg.Name))
	return nil
}

// RefreshClient replaces a live client with one built from cfg
func (m *Manager) RefreshClient(ctx context.Context, cfg domain.ToolClientConfig) error {
	client, err := m.factory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect tool client %s: %w", cfg.ID, err)
	}

	m.mu.Lock()
	old, exists := m.clients[cfg.ID]
	m.clients[cfg.ID] = &liveClient{cfg: cfg, client: client}
	m.mu.Unlock()

	if exists {
		if err := old.client.Close(); err != nil {
			m.logger.Warn("failed to close replaced tool client",
				zap.String("client_id", cfg.ID),
				zap.Error(err))
		}
	}

	m.logger.Info("tool client refreshed", zap.String("client_id", cfg.ID), zap.String("name", cfg.Name))
	return nil
}

// RemoveClient disconnects a client
func (m *Manager) RemoveClient(_ context.Context, id string) error {
	m.mu.Lock()
	old, exists := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}

	m.logger.Info("tool client removed", zap.String("client_id", id))
	return old.client.Close()
}

// Close disconnects every client
func (m *Manager) Close() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*liveClient)
	m.mu.Unlock()

	var errs []error
	for id, c := range clients {
		if err := c.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
