package value

import (
	"github.com/tangram-dev/tangram/id"
)

// Result is the outcome of a run: a value or a structured error.
type Result struct {
	Value Value
	Error *Error
}

// Ok reports whether the result carries a value.
func (r Result) Ok() bool { return r.Error == nil }

// Run records one evaluation of a task: its children in recording order,
// its log blob, and its output. Run IDs are random roots, not content
// addresses.
type Run struct {
	Task     *Handle
	Children []*Handle
	Log      *Handle
	Output   Result
}

func (*Run) Kind() id.Kind { return id.Run }

func (r *Run) children() []*Handle {
	hs := []*Handle{r.Task}
	hs = append(hs, r.Children...)
	if r.Log != nil {
		hs = append(hs, r.Log)
	}
	if r.Output.Value != nil {
		hs = append(hs, children(r.Output.Value)...)
	}
	return hs
}

// NewRun pairs a run value with its pre-allocated random ID.
func NewRun(runID id.ID, run *Run) *Handle {
	return handleWithRunID(runID, run)
}
