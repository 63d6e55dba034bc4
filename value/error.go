package value

import (
	"strings"
)

// Location is a source position inside a module.
type Location struct {
	Source string
	Line   uint32
	Column uint32
}

func (l Location) String() string {
	var b strings.Builder
	b.WriteString(l.Source)
	b.WriteString(":")
	writeUint(&b, l.Line)
	b.WriteString(":")
	writeUint(&b, l.Column)
	return b.String()
}

// Frame is one stack trace entry.
type Frame struct {
	Description string
	Location    *Location
}

// Error is the structured error that flows through builds and across the
// JS boundary. Wrapping preserves the underlying error as Source and
// records the wrap site as Location.
type Error struct {
	Message    string
	Location   *Location
	StackTrace []Frame
	Source     *Error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the cause chain to errors.Is/As.
func (e *Error) Unwrap() error {
	if e.Source == nil {
		return nil
	}
	return e.Source
}

// NewError creates a plain structured error.
func NewError(message string) *Error {
	return &Error{Message: message}
}

// WrapError converts any Go error into a structured error, preserving an
// existing *Error as-is.
func WrapError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Message: err.Error()}
}

// Trace renders the full trace: message and location per level of the
// source chain, with stack frames inlined.
func (e *Error) Trace() string {
	var b strings.Builder
	for err := e; err != nil; err = err.Source {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(err.Message)
		if err.Location != nil {
			b.WriteString(" ")
			b.WriteString(err.Location.String())
		}
		for _, frame := range err.StackTrace {
			b.WriteString("\n  ")
			b.WriteString(frame.Description)
			if frame.Location != nil {
				b.WriteString(" ")
				b.WriteString(frame.Location.String())
			}
		}
	}
	return b.String()
}

func writeUint(b *strings.Builder, n uint32) {
	if n >= 10 {
		writeUint(b, n/10)
	}
	b.WriteByte(byte('0' + n%10))
}
