package taskagent

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// FragmentFunc folds one decoded fragment into the accumulated results and
// returns the new accumulator. It runs with the aggregator lock held.
type FragmentFunc func(fragment any, acc []any) []any

func appendFragment(fragment any, acc []any) []any {
	return append(acc, fragment)
}

// Aggregator accumulates the responses of one invocation. Fold may be called
// concurrently from transport deliveries while the supervisor reads state.
type Aggregator struct {
	mu          sync.Mutex
	statuses    map[string]Status
	chunks      map[string]int
	seen        map[string]struct{}
	results     []any
	responses   int
	hasError    bool
	errorReason string
	errorSource string
	firstAt     time.Time
	lastAt      time.Time

	onFragment FragmentFunc
	updated    chan struct{}
	now        func() time.Time
}

func NewAggregator(onFragment FragmentFunc) *Aggregator {
	if onFragment == nil {
		onFragment = appendFragment
	}
	return &Aggregator{
		statuses:   make(map[string]Status),
		chunks:     make(map[string]int),
		seen:       make(map[string]struct{}),
		onFragment: onFragment,
		updated:    make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Fold records one agent response. Duplicate deliveries of a message with
// the same ID are ignored. A done agent reporting in-progress again is a
// protocol violation: its status stays done and ErrProtocolViolation is
// returned.
func (a *Aggregator) Fold(r *Response) error {
	a.mu.Lock()
	if r.ID != "" {
		if _, dup := a.seen[r.ID]; dup {
			a.mu.Unlock()
			return nil
		}
		a.seen[r.ID] = struct{}{}
	}

	now := a.now()
	if a.firstAt.IsZero() {
		a.firstAt = now
	}
	a.lastAt = now
	a.responses++

	var err error
	prev := a.statuses[r.Source]
	switch r.Status {
	case StatusError:
		a.statuses[r.Source] = StatusError
		if !a.hasError {
			a.hasError = true
			a.errorReason = r.Reason
			a.errorSource = r.Source
		}
	case StatusDone:
		for _, f := range DecodeFragments(r.Data) {
			a.results = a.onFragment(f, a.results)
		}
		if r.chunked() {
			a.chunks[r.Source]++
			if a.chunks[r.Source] >= r.TotalSequences {
				a.statuses[r.Source] = StatusDone
			} else if prev != StatusDone {
				a.statuses[r.Source] = StatusInProgress
			}
		} else {
			a.statuses[r.Source] = StatusDone
		}
	default:
		if prev == StatusDone {
			err = fmt.Errorf("%w: agent %q reported %s after done", ErrProtocolViolation, r.Source, r.Status)
		} else {
			a.statuses[r.Source] = StatusInProgress
		}
	}
	a.mu.Unlock()

	select {
	case a.updated <- struct{}{}:
	default:
	}
	return err
}

// Updated is signalled after every fold.
func (a *Aggregator) Updated() <-chan struct{} {
	return a.updated
}

// Settled reports whether at least one agent has been heard from and every
// known agent has finished. With errorsFinish, agents that reported an
// error count as finished.
func (a *Aggregator) Settled(errorsFinish bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settledLocked(errorsFinish)
}

func (a *Aggregator) settledLocked(errorsFinish bool) bool {
	if len(a.statuses) == 0 {
		return false
	}
	for _, st := range a.statuses {
		switch {
		case st == StatusDone:
		case st == StatusError && errorsFinish:
		default:
			return false
		}
	}
	return true
}

// Snapshot is a copy of the aggregator state.
type Snapshot struct {
	Agents          map[string]Status
	Fragments       []any
	Responses       int
	HasError        bool
	ErrorReason     string
	ErrorSource     string
	FirstResponseAt time.Time
	LastResponseAt  time.Time
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Agents:          maps.Clone(a.statuses),
		Fragments:       slices.Clone(a.results),
		Responses:       a.responses,
		HasError:        a.hasError,
		ErrorReason:     a.errorReason,
		ErrorSource:     a.errorSource,
		FirstResponseAt: a.firstAt,
		LastResponseAt:  a.lastAt,
	}
}

func (a *Aggregator) Fragments() []any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.results)
}

func (a *Aggregator) Error() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasError, a.errorReason
}

// progress is the view the supervisor evaluates on every wake-up.
type progress struct {
	firstAt  time.Time
	lastAt   time.Time
	settled  bool
	hasError bool
}

func (a *Aggregator) progress(errorsFinish bool) progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return progress{
		firstAt:  a.firstAt,
		lastAt:   a.lastAt,
		settled:  a.settledLocked(errorsFinish),
		hasError: a.hasError,
	}
}
