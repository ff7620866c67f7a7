package domain

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Graph validation kinds. GraphValidationError unwraps to one of these.
var (
	ErrCycle               = errors.New("cycle detected")
	ErrDanglingEdge        = errors.New("dangling edge")
	ErrMultipleEntryPoints = errors.New("workflow must have exactly one entry node")
	ErrDuplicateID         = errors.New("duplicate id")
	ErrUnknownNodeKind     = errors.New("unknown node kind")
	ErrInvalidNodeConfig   = errors.New("invalid node config")
)

var (
	ErrExecutorClosed   = errors.New("executor closed")
	ErrTimeout          = errors.New("workflow execution timeout")
	ErrCancelled        = errors.New("workflow execution cancelled")
	ErrOutputImmutable  = errors.New("node output already produced")
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolProvider     = errors.New("tool provider error")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrAccessDenied     = errors.New("access denied")
	ErrRunNotFound      = errors.New("run not found")
	ErrLLMNotConfigured = errors.New("llm client not configured")
)

// Normalized error names
const (
	ErrorNameDefault = "ERROR"
	ErrorNameTimeout = "TIMEOUT"
	ErrorNamePanic   = "PANIC"
)

// GraphValidationError is returned when a workflow definition cannot be
// turned into an executable graph
type GraphValidationError struct {
	Kind    error
	NodeID  string
	EdgeID  string
	Message string
}

func (e *GraphValidationError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Message)
}

func (e *GraphValidationError) Unwrap() error { return e.Kind }

// NewGraphValidationError builds a validation error of the given kind
func NewGraphValidationError(kind error, format string, args ...interface{}) *GraphValidationError {
	return &GraphValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsGraphValidation reports whether err is a graph validation failure
func IsGraphValidation(err error) bool {
	var gve *GraphValidationError
	return errors.As(err, &gve)
}

// NodeError is the normalized {name, message} form of a failure
type NodeError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
}

func (e *NodeError) Error() string {
	if e.Name == "" || e.Name == ErrorNameDefault {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// ErrorName lets a runner error carry its own name through normalization
func (e *NodeError) ErrorName() string { return e.Name }

// NamedError is implemented by errors that carry a name
type NamedError interface {
	error
	ErrorName() string
}

// NewNodeError creates a named node error
func NewNodeError(name, message string) *NodeError {
	return &NodeError{Name: name, Message: message}
}

// Normalize converts any failure into a NodeError. The name comes from the
// failure itself when it has one, otherwise ERROR. The message falls back to
// a JSON rendering of the raw value.
func Normalize(failure interface{}) *NodeError {
	if failure == nil {
		return nil
	}

	name := ErrorNameDefault
	var message string

	switch f := failure.(type) {
	case *NodeError:
		if f.Name != "" {
			name = f.Name
		}
		message = f.Message
	case error:
		var named NamedError
		if errors.As(f, &named) && named.ErrorName() != "" {
			name = named.ErrorName()
		}
		if errors.Is(f, ErrTimeout) {
			name = ErrorNameTimeout
		}
		message = f.Error()
	case string:
		message = f
	case fmt.Stringer:
		message = f.String()
	}

	if message == "" {
		message = safeSerialize(failure)
	}

	return &NodeError{Name: name, Message: message}
}

func safeSerialize(v interface{}) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("%v", v)
		}
	}()

	data, err := json.Marshal(v)
	if err != nil || string(data) == "{}" || string(data) == "null" {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
