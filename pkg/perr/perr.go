// Package perr implements the closed error taxonomy that every Ploinky
// component classifies its failures into. The CLI maps a Code to an exit
// code; the router maps a Code to an HTTP status or JSON-RPC error object.
package perr

import (
	"errors"
	"fmt"
)

// Code is one of the fixed error categories surfaced to the CLI and to HTTP
// responses. The set is closed: new failure modes must be mapped onto one of
// these, never invented ad hoc.
type Code string

const (
	ManifestParse          Code = "manifest_parse"
	ProfileUnknown         Code = "profile_unknown"
	HookShape              Code = "hook_shape"
	DepConflict            Code = "dep_conflict"
	SecretMissing          Code = "secret_missing"
	PortUnexpectedWildcard Code = "port_unexpected_wildcard"
	PortAllocation         Code = "port_allocation"
	ContainerCreate        Code = "container_create"
	ContainerStart         Code = "container_start"
	ContainerExec          Code = "container_exec"
	ContainerMissing       Code = "container_missing"
	ProbeScriptMissing     Code = "probe_script_missing"
	RegistryIO             Code = "registry_io"
	RouterListen           Code = "router_listen"
	RouterSession          Code = "router_session"
	AgentUnavailable       Code = "agent_unavailable"
	TransportTimeout       Code = "transport_timeout"
	TransportRefused       Code = "transport_refused"
	TransportError         Code = "transport_error"
	UnsupportedBatch       Code = "unsupported_batch"
	InvalidJSONRPC         Code = "invalid_jsonrpc"
	SessionExpired         Code = "session_expired"
	Forbidden              Code = "forbidden"
	RateLimited            Code = "rate_limited"
	Capacity               Code = "capacity"
	Internal               Code = "internal"
)

// Error is a classified failure: Code selects the taxonomy bucket, Message
// is the single-line human cause, Cause is the wrapped underlying error (may
// be nil).
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with no wrapped cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error that preserves cause for errors.Is/As.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// As extracts the classified Code from err, defaulting to Internal when err
// is not (or does not wrap) an *Error.
func As(err error) Code {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return Internal
}

// ExitCode maps a Code onto the CLI exit codes defined in spec §6:
// 0 success, 1 generic failure, 2 port/permission failure.
func ExitCode(code Code) int {
	switch code {
	case PortAllocation, PortUnexpectedWildcard, Forbidden:
		return 2
	case "":
		return 0
	default:
		return 1
	}
}
