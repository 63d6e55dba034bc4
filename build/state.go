// Package build schedules task evaluations: it memoizes task → run in
// the store, joins concurrent requests for the same task onto one run,
// and streams children, log bytes, and output while a run is live.
package build

import (
	"io"
	"os"
	"sync"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

// stateBufferSize bounds each subscriber channel. A subscriber that
// falls this far behind is dropped and must re-read from the completed
// run object.
const stateBufferSize = 1024

// State is the live record of a run in progress: its children so far, an
// append-only log file, and the eventual output.
type State struct {
	mu        sync.Mutex
	children  []id.ID
	childSubs []chan id.ID
	logFile   *os.File
	// logBuf mirrors the log file so subscribers replay history without
	// racing the file's conversion into a blob.
	logBuf  []byte
	logSubs []chan []byte
	output  *value.Result
	done    chan struct{}
}

func newState(logFile *os.File) *State {
	return &State{logFile: logFile, done: make(chan struct{})}
}

// Child records a child run in order and fans it out to subscribers.
func (s *State) Child(child id.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children = append(s.children, child)
	for i, sub := range s.childSubs {
		select {
		case sub <- child:
		default:
			// Slow subscriber; drop it.
			close(sub)
			s.childSubs[i] = nil
		}
	}
	s.childSubs = compact(s.childSubs)
}

// Write appends log bytes, persisting them to the log file and fanning
// them out to subscribers. Implements io.Writer for the runners.
func (s *State) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.logFile.Write(p); err != nil {
		return 0, err
	}
	chunk := append([]byte(nil), p...)
	s.logBuf = append(s.logBuf, chunk...)
	for i, sub := range s.logSubs {
		select {
		case sub <- chunk:
		default:
			close(sub)
			s.logSubs[i] = nil
		}
	}
	s.logSubs = compact(s.logSubs)
	return len(p), nil
}

// finish records the output, closes every subscription, and wakes output
// waiters.
func (s *State) finish(output value.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = &output
	for _, sub := range s.childSubs {
		if sub != nil {
			close(sub)
		}
	}
	s.childSubs = nil
	for _, sub := range s.logSubs {
		if sub != nil {
			close(sub)
		}
	}
	s.logSubs = nil
	close(s.done)
}

// subscribeChildren replays the children recorded so far and then yields
// new ones until the run finishes.
func (s *State) subscribeChildren() <-chan id.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan id.ID, stateBufferSize+len(s.children))
	for _, c := range s.children {
		ch <- c
	}
	if s.output != nil {
		close(ch)
		return ch
	}
	s.childSubs = append(s.childSubs, ch)
	return ch
}

// subscribeLog replays the log written so far and then streams new
// bytes until the run finishes.
func (s *State) subscribeLog() io.ReadCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append([]byte(nil), s.logBuf...)
	ch := make(chan []byte, stateBufferSize)
	if s.output == nil {
		s.logSubs = append(s.logSubs, ch)
	} else {
		close(ch)
	}
	return &logStream{history: history, live: ch}
}

// awaitOutput blocks until the run finishes.
func (s *State) awaitOutput() value.Result {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.output
}

// logStream concatenates replayed history with live chunks.
type logStream struct {
	history []byte
	live    <-chan []byte
	pending []byte
}

func (l *logStream) Read(p []byte) (int, error) {
	if len(l.history) > 0 {
		n := copy(p, l.history)
		l.history = l.history[n:]
		return n, nil
	}
	for len(l.pending) == 0 {
		chunk, ok := <-l.live
		if !ok {
			return 0, io.EOF
		}
		l.pending = chunk
	}
	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	return n, nil
}

func (l *logStream) Close() error { return nil }

func compact[T any](subs []chan T) []chan T {
	out := subs[:0]
	for _, s := range subs {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
