package services

import (
	"errors"
	"strings"
)

// Classification markers. Every error built by Wrap matches exactly one of
// them under errors.Is.
var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// OpError is a failed operation of one component, tagged with a marker.
type OpError struct {
	Marker    error
	Component string
	Operation string
	Message   string
	Err       error
}

// Wrap returns an *OpError. A nil marker defaults to ErrTransient.
func Wrap(marker error, component, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &OpError{
		Marker:    marker,
		Component: strings.TrimSpace(component),
		Operation: strings.TrimSpace(operation),
		Message:   strings.TrimSpace(message),
		Err:       err,
	}
}

// Error renders "<marker>: <component>: <operation>: <message>: <cause>",
// skipping empty parts.
func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Marker.Error())
	b.WriteString(": ")
	detail := false
	for _, part := range []string{e.Component, e.Operation, e.Message} {
		if part == "" {
			continue
		}
		if detail {
			b.WriteString(": ")
		}
		b.WriteString(part)
		detail = true
	}
	if !detail {
		b.WriteString("service failure")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Marker}
	}
	return []error{e.Marker, e.Err}
}

// Operation returns the component and operation of the outermost OpError in
// err's chain.
func Operation(err error) (component, operation string, ok bool) {
	var op *OpError
	if !errors.As(err, &op) {
		return "", "", false
	}
	return op.Component, op.Operation, true
}

// Retryable reports whether err carries the transient or timeout marker.
// A cause that is itself a validation, configuration or not-found failure
// wins over an outer transient marker.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration), errors.Is(err, ErrNotFound):
		return false
	default:
		return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
	}
}
