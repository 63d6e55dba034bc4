package server

import (
	"github.com/tangram-dev/tangram/value"
)

// jsonError is the wire form of a structured error.
type jsonError struct {
	Message    string        `json:"message"`
	Location   *jsonLocation `json:"location,omitempty"`
	StackTrace []jsonFrame   `json:"stackTrace,omitempty"`
	Source     *jsonError    `json:"source,omitempty"`
}

type jsonLocation struct {
	Source string `json:"source"`
	Line   uint32 `json:"line"`
	Column uint32 `json:"column"`
}

type jsonFrame struct {
	Description string        `json:"description"`
	Location    *jsonLocation `json:"location,omitempty"`
}

func errorToWireJSON(e *value.Error) *jsonError {
	if e == nil {
		return nil
	}
	out := &jsonError{Message: e.Message, Source: errorToWireJSON(e.Source)}
	if e.Location != nil {
		out.Location = &jsonLocation{Source: e.Location.Source, Line: e.Location.Line, Column: e.Location.Column}
	}
	for _, f := range e.StackTrace {
		frame := jsonFrame{Description: f.Description}
		if f.Location != nil {
			frame.Location = &jsonLocation{Source: f.Location.Source, Line: f.Location.Line, Column: f.Location.Column}
		}
		out.StackTrace = append(out.StackTrace, frame)
	}
	return out
}

func wireJSONToError(w *jsonError) *value.Error {
	if w == nil {
		return nil
	}
	out := &value.Error{Message: w.Message, Source: wireJSONToError(w.Source)}
	if w.Location != nil {
		out.Location = &value.Location{Source: w.Location.Source, Line: w.Location.Line, Column: w.Location.Column}
	}
	for _, f := range w.StackTrace {
		frame := value.Frame{Description: f.Description}
		if f.Location != nil {
			frame.Location = &value.Location{Source: f.Location.Source, Line: f.Location.Line, Column: f.Location.Column}
		}
		out.StackTrace = append(out.StackTrace, frame)
	}
	return out
}
