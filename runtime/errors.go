package runtime

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/tangram-dev/tangram/value"
)

// hostErrorProperty is the discriminant marking a JS error that is
// actually a serialized host error rethrown through JS. Such errors
// deserialize directly instead of being re-mapped.
const hostErrorProperty = "__tangramError"

// wireError is the JSON form a host error crosses the boundary in.
type wireError struct {
	Message    string        `json:"message"`
	Location   *wireLocation `json:"location,omitempty"`
	StackTrace []wireFrame   `json:"stackTrace,omitempty"`
	Source     *wireError    `json:"source,omitempty"`
}

type wireLocation struct {
	Source string `json:"source"`
	Line   uint32 `json:"line"`
	Column uint32 `json:"column"`
}

type wireFrame struct {
	Description string        `json:"description"`
	Location    *wireLocation `json:"location,omitempty"`
}

func toWire(e *value.Error) *wireError {
	if e == nil {
		return nil
	}
	w := &wireError{Message: e.Message, Source: toWire(e.Source)}
	if e.Location != nil {
		w.Location = &wireLocation{Source: e.Location.Source, Line: e.Location.Line, Column: e.Location.Column}
	}
	for _, f := range e.StackTrace {
		wf := wireFrame{Description: f.Description}
		if f.Location != nil {
			wf.Location = &wireLocation{Source: f.Location.Source, Line: f.Location.Line, Column: f.Location.Column}
		}
		w.StackTrace = append(w.StackTrace, wf)
	}
	return w
}

func fromWire(w *wireError) *value.Error {
	if w == nil {
		return nil
	}
	e := &value.Error{Message: w.Message, Source: fromWire(w.Source)}
	if w.Location != nil {
		e.Location = &value.Location{Source: w.Location.Source, Line: w.Location.Line, Column: w.Location.Column}
	}
	for _, f := range w.StackTrace {
		frame := value.Frame{Description: f.Description}
		if f.Location != nil {
			frame.Location = &value.Location{Source: f.Location.Source, Line: f.Location.Line, Column: f.Location.Column}
		}
		e.StackTrace = append(e.StackTrace, frame)
	}
	return e
}

// errorToJS converts a host error into a JS Error carrying the
// serialized host error, so it survives a round trip through JS.
func (ev *evaluator) errorToJS(err error) goja.Value {
	e := value.WrapError(err)
	obj := ev.vm.NewObject()
	obj.Set("name", "Error")
	obj.Set("message", e.Message)
	if b, jsonErr := json.Marshal(toWire(e)); jsonErr == nil {
		obj.Set(hostErrorProperty, string(b))
	}
	return obj
}

// mapException converts an error returned by a goja call into a
// structured error.
func (ev *evaluator) mapException(err error) error {
	if exception, ok := err.(*goja.Exception); ok {
		return ev.exceptionFromValue(exception.Value())
	}
	if interrupted, ok := err.(*goja.InterruptedError); ok {
		return value.NewError(interrupted.String())
	}
	return value.WrapError(err)
}

// exceptionFromValue converts a thrown JS value into a structured
// error: host errors deserialize from their discriminant; native
// exceptions get their stack mapped back to source locations through
// the module source maps, and their cause chain follows error.cause.
func (ev *evaluator) exceptionFromValue(v goja.Value) *value.Error {
	if v == nil {
		return value.NewError("unknown error")
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return value.NewError(v.String())
	}
	if marker := obj.Get(hostErrorProperty); marker != nil && !goja.IsUndefined(marker) {
		var w wireError
		if err := json.Unmarshal([]byte(marker.String()), &w); err == nil {
			return fromWire(&w)
		}
	}
	message := "unknown error"
	if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
		message = m.String()
	} else {
		message = obj.String()
	}
	e := &value.Error{Message: message}
	if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
		e.StackTrace = ev.mapStack(stack.String())
		for _, frame := range e.StackTrace {
			if frame.Location != nil {
				e.Location = frame.Location
				break
			}
		}
	}
	if cause := obj.Get("cause"); cause != nil && !goja.IsUndefined(cause) && !goja.IsNull(cause) {
		e.Source = ev.exceptionFromValue(cause)
	}
	return e
}

// stackFrameRe matches goja stack lines: "at fn (source:line:col(pc))"
// or "at source:line:col(pc)".
var stackFrameRe = regexp.MustCompile(`^\s*at (?:(\S+) )?\(?([^()]+):(\d+):(\d+)(?:\(\d+\))?\)?$`)

func (ev *evaluator) mapStack(stack string) []value.Frame {
	var frames []value.Frame
	for _, line := range strings.Split(stack, "\n") {
		m := stackFrameRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		description := m[1]
		if description == "" {
			description = "<anonymous>"
		}
		source := m[2]
		lineNo, _ := strconv.Atoi(m[3])
		column, _ := strconv.Atoi(m[4])
		frame := value.Frame{Description: description}
		if location := ev.mapLocation(source, lineNo, column); location != nil {
			frame.Location = location
			// Frames synthesized by the runtime's own lib are labeled.
			if location.Source == libModule.URL() {
				frame.Description = "global " + frame.Description
			}
		}
		frames = append(frames, frame)
	}
	return frames
}

// mapLocation maps a transpiled position back to the source position
// using the module's source map.
func (ev *evaluator) mapLocation(source string, line, column int) *value.Location {
	if !strings.HasPrefix(source, "tangram://") {
		return nil
	}
	location := &value.Location{Source: source, Line: uint32(line), Column: uint32(column)}
	cached, ok := ev.rt.loader.lookup(source)
	if !ok {
		return location
	}
	generatedLine := line - wrapperLineOffset
	if generatedLine < 1 {
		return location
	}
	if _, _, origLine, origColumn, ok := cached.sourceMap.Source(generatedLine, column); ok {
		location.Line = uint32(origLine)
		location.Column = uint32(origColumn)
	}
	return location
}
