package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

// Client is the store surface the scheduler needs.
type Client interface {
	value.Store
	TryGetAssignment(ctx context.Context, task id.ID) (id.ID, bool, error)
	PutAssignment(ctx context.Context, task, run id.ID) error
}

// Progress is the sink a runner reports through while evaluating a task.
type Progress interface {
	io.Writer
	Child(child id.ID)
}

// Runner evaluates one loaded task value. The scheduler dispatches to
// the JS runtime or the process runner based on the task's host.
type Runner interface {
	Run(ctx context.Context, task value.Value, taskID id.ID, progress Progress) (value.Value, error)
}

// Parent is an optional upstream server the scheduler delegates to
// before evaluating locally.
type Parent interface {
	TryGetBuildForTarget(ctx context.Context, task id.ID) (id.ID, bool, error)
	GetBuildChildren(ctx context.Context, run id.ID) (<-chan id.ID, error)
	GetBuildLog(ctx context.Context, run id.ID) (io.ReadCloser, error)
	TryGetBuildOutput(ctx context.Context, run id.ID) (value.Result, bool, error)
}

// Scheduler owns the in-memory running table and the memoization logic.
type Scheduler struct {
	store     Client
	runner    Runner
	parent    Parent // may be nil
	tempsPath string
	metrics   *Metrics
	tracer    trace.Tracer

	// mu guards the two maps only; it is never held across an await.
	mu         sync.RWMutex
	taskToRun  map[id.ID]id.ID
	runToState map[id.ID]*State
}

// NewScheduler creates a scheduler. parent and metrics may be nil.
func NewScheduler(store Client, runner Runner, parent Parent, tempsPath string, metrics *Metrics) (*Scheduler, error) {
	if err := os.MkdirAll(tempsPath, 0o755); err != nil {
		return nil, err
	}
	return &Scheduler{
		store:      store,
		runner:     runner,
		parent:     parent,
		tempsPath:  tempsPath,
		metrics:    metrics,
		tracer:     otel.Tracer("tangram/build"),
		taskToRun:  map[id.ID]id.ID{},
		runToState: map[id.ID]*State{},
	}, nil
}

// GetOrCreateBuild returns the run for a task, creating one when neither
// the running table, the persistent assignment, nor the parent has it.
// Two concurrent calls for the same task observe the same run ID.
func (s *Scheduler) GetOrCreateBuild(ctx context.Context, task id.ID) (id.ID, error) {
	s.mu.RLock()
	if run, ok := s.taskToRun[task]; ok {
		s.mu.RUnlock()
		return run, nil
	}
	s.mu.RUnlock()

	if run, ok, err := s.store.TryGetAssignment(ctx, task); err != nil {
		return id.ID{}, err
	} else if ok {
		return run, nil
	}

	if s.parent != nil {
		if run, ok, err := s.parent.TryGetBuildForTarget(ctx, task); err == nil && ok {
			return run, nil
		}
	}

	s.mu.Lock()
	// Double check: another caller may have won the initialization.
	if run, ok := s.taskToRun[task]; ok {
		s.mu.Unlock()
		return run, nil
	}
	logFile, err := os.CreateTemp(s.tempsPath, "log-")
	if err != nil {
		s.mu.Unlock()
		return id.ID{}, err
	}
	run := id.NewRandom(id.Run)
	state := newState(logFile)
	s.taskToRun[task] = run
	s.runToState[run] = state
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BuildsStarted.Inc()
	}
	go s.evaluate(task, run, state)
	return run, nil
}

// evaluate runs a task to completion in the background and persists the
// resulting run. It is detached from the creating caller's context: once
// started, a build runs to completion.
func (s *Scheduler) evaluate(task, run id.ID, state *State) {
	ctx, span := s.tracer.Start(context.Background(), "build",
		trace.WithAttributes(
			attribute.String("task", task.String()),
			attribute.String("run", run.String()),
		))
	defer span.End()

	output := s.runTask(ctx, task, state)
	state.finish(output)

	if err := s.persist(ctx, task, run, state, output); err != nil {
		slog.ErrorContext(ctx, "failed to persist run", "task", task, "run", run, "error", err)
	}

	s.mu.Lock()
	delete(s.runToState, run)
	s.mu.Unlock()

	if s.metrics != nil {
		if output.Ok() {
			s.metrics.BuildsSucceeded.Inc()
		} else {
			s.metrics.BuildsFailed.Inc()
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, task id.ID, state *State) value.Result {
	v, err := value.HandleWithID(task).Load(ctx, s.store)
	if err != nil {
		return value.Result{Error: value.WrapError(err)}
	}
	switch v.(type) {
	case *value.Target, *value.Process:
	default:
		return value.Result{Error: value.NewError(fmt.Sprintf("object %s is not a task", task))}
	}
	out, err := s.runner.Run(ctx, v, task, state)
	if err != nil {
		return value.Result{Error: value.WrapError(err)}
	}
	return value.Result{Value: out}
}

// persist materializes the Run object: children in recorded order, the
// log file as a blob, and the output, stored recursively with the
// assignment written last.
func (s *Scheduler) persist(ctx context.Context, task, run id.ID, state *State, output value.Result) error {
	state.mu.Lock()
	children := append([]id.ID(nil), state.children...)
	logPath := state.logFile.Name()
	state.mu.Unlock()
	state.logFile.Close()

	logFile, err := os.Open(logPath)
	if err != nil {
		return err
	}
	logBlob, err := value.NewBlob(ctx, s.store, logFile)
	logFile.Close()
	if err != nil {
		return err
	}
	os.Remove(logPath)

	childHandles := make([]*value.Handle, len(children))
	for i, c := range children {
		childHandles[i] = value.HandleWithID(c)
	}
	runValue := &value.Run{
		Task:     value.HandleWithID(task),
		Children: childHandles,
		Log:      logBlob,
		Output:   output,
	}
	if _, err := value.NewRun(run, runValue).Store(ctx, s.store); err != nil {
		return err
	}
	if err := s.store.PutAssignment(ctx, task, run); err != nil {
		return err
	}
	// The run is durable; drop it from the running table.
	s.mu.Lock()
	delete(s.taskToRun, task)
	s.mu.Unlock()
	return nil
}

// liveState returns the state of a run still in progress.
func (s *Scheduler) liveState(run id.ID) (*State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.runToState[run]
	return state, ok
}

// TryGetBuildChildren streams a run's children: the live buffered
// history plus new children while running, the stored run's children
// once completed, or the parent's stream.
func (s *Scheduler) TryGetBuildChildren(ctx context.Context, run id.ID) (<-chan id.ID, error) {
	if state, ok := s.liveState(run); ok {
		return state.subscribeChildren(), nil
	}
	if v, err := value.HandleWithID(run).Load(ctx, s.store); err == nil {
		r, ok := v.(*value.Run)
		if !ok {
			return nil, fmt.Errorf("object %s is not a run", run)
		}
		ch := make(chan id.ID, len(r.Children))
		for _, child := range r.Children {
			if i, ok := child.CachedID(); ok {
				ch <- i
			}
		}
		close(ch)
		return ch, nil
	}
	if s.parent != nil {
		return s.parent.GetBuildChildren(ctx, run)
	}
	return nil, &value.NotFoundError{ID: run}
}

// TryGetBuildLog streams a run's log, with the same live, stored,
// parent fallback order as children.
func (s *Scheduler) TryGetBuildLog(ctx context.Context, run id.ID) (io.ReadCloser, error) {
	if state, ok := s.liveState(run); ok {
		return state.subscribeLog(), nil
	}
	if v, err := value.HandleWithID(run).Load(ctx, s.store); err == nil {
		r, ok := v.(*value.Run)
		if !ok {
			return nil, fmt.Errorf("object %s is not a run", run)
		}
		if r.Log == nil {
			return io.NopCloser(&emptyReader{}), nil
		}
		return io.NopCloser(value.NewBlobReader(ctx, s.store, r.Log)), nil
	}
	if s.parent != nil {
		return s.parent.GetBuildLog(ctx, run)
	}
	return nil, &value.NotFoundError{ID: run}
}

// TryGetBuildOutput awaits the live run's completion, reads the stored
// run's output, or delegates to the parent.
func (s *Scheduler) TryGetBuildOutput(ctx context.Context, run id.ID) (value.Result, bool, error) {
	if state, ok := s.liveState(run); ok {
		done := make(chan value.Result, 1)
		go func() { done <- state.awaitOutput() }()
		select {
		case result := <-done:
			return result, true, nil
		case <-ctx.Done():
			return value.Result{}, false, ctx.Err()
		}
	}
	if v, err := value.HandleWithID(run).Load(ctx, s.store); err == nil {
		r, ok := v.(*value.Run)
		if !ok {
			return value.Result{}, false, fmt.Errorf("object %s is not a run", run)
		}
		return r.Output, true, nil
	}
	if s.parent != nil {
		return s.parent.TryGetBuildOutput(ctx, run)
	}
	return value.Result{}, false, nil
}

type emptyReader struct{}

func (*emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
