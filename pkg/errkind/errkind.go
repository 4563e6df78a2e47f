// Package errkind defines the typed error kinds shared across pith's
// components so callers can classify failures with errors.As instead of
// string matching.
package errkind

import "fmt"

// ConfigError signals a missing or invalid operator configuration value.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Key, e.Reason)
}

// StorageError wraps any Store I/O or schema failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// NameCollisionError signals a uniqueness violation on tool/session naming.
type NameCollisionError struct {
	Name string
}

func (e *NameCollisionError) Error() string { return fmt.Sprintf("name collision: %q", e.Name) }

// ModelErrorClass distinguishes retryable from fatal model failures.
type ModelErrorClass string

const (
	ModelErrorTransient ModelErrorClass = "transient"
	ModelErrorPermanent ModelErrorClass = "permanent"
)

// ModelError wraps a failure from the Model interface.
type ModelError struct {
	Class ModelErrorClass
	Err   error
}

func (e *ModelError) Error() string { return fmt.Sprintf("model error (%s): %v", e.Class, e.Err) }
func (e *ModelError) Unwrap() error { return e.Err }

// ToolErrorKind enumerates why a tool invocation failed.
type ToolErrorKind string

const (
	ToolNotFound       ToolErrorKind = "not_found"
	ToolSchema         ToolErrorKind = "schema"
	ToolExecution      ToolErrorKind = "execution"
	ToolTimeout        ToolErrorKind = "timeout"
	ToolOutputTooLarge ToolErrorKind = "output_too_large"
)

// ToolError wraps a failed tool invocation.
type ToolError struct {
	Tool   string
	Kind   ToolErrorKind
	Detail string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error: %s: %s: %s", e.Tool, e.Kind, e.Detail)
}

// RegistryErrorKind enumerates why a tool registration failed.
type RegistryErrorKind string

const (
	RegistryNameCollision  RegistryErrorKind = "name_collision"
	RegistryReservedPrefix RegistryErrorKind = "reserved_prefix"
	RegistryLoadFailure    RegistryErrorKind = "load_failure"
)

// RegistryError wraps a failed tool (de)registration.
type RegistryError struct {
	Name   string
	Kind   RegistryErrorKind
	Detail string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry error: %s: %s: %s", e.Name, e.Kind, e.Detail)
}

// ContextOverflow is returned when context assembly cannot fit the
// minimum required frames within the configured token budget.
type ContextOverflow struct {
	Detail string
}

func (e *ContextOverflow) Error() string { return fmt.Sprintf("context overflow: %s", e.Detail) }

// Busy is returned when a turn is submitted while another turn or
// compaction already holds the session's lock.
type Busy struct {
	SessionID string
}

func (e *Busy) Error() string { return fmt.Sprintf("session busy: %s", e.SessionID) }

// Timeout is returned when a turn's deadline elapses before completion.
type Timeout struct {
	SessionID string
}

func (e *Timeout) Error() string { return fmt.Sprintf("turn timeout: %s", e.SessionID) }

// ChannelError wraps a failure in a Channel implementation.
type ChannelError struct {
	Channel string
	Err     error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("channel error: %s: %v", e.Channel, e.Err) }
func (e *ChannelError) Unwrap() error { return e.Err }
