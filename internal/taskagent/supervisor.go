package taskagent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Phase is the supervisor state of one invocation.
type Phase int

const (
	PhaseAwaitingFirstResponse Phase = iota
	PhaseCollecting
	PhaseStabilizing
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingFirstResponse:
		return "awaiting_first_response"
	case PhaseCollecting:
		return "collecting"
	case PhaseStabilizing:
		return "stabilizing"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ErrorPolicy decides what an agent error does to the wait.
type ErrorPolicy string

const (
	// ErrorPolicyWait records the error and keeps waiting. An agent in
	// error never satisfies the completion rule.
	ErrorPolicyWait ErrorPolicy = "wait"
	// ErrorPolicySettle treats agents in error as finished.
	ErrorPolicySettle ErrorPolicy = "settle"
	// ErrorPolicyAbort ends the invocation on the first agent error.
	ErrorPolicyAbort ErrorPolicy = "abort"
)

func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch p := ErrorPolicy(s); p {
	case "":
		return ErrorPolicyWait, nil
	case ErrorPolicyWait, ErrorPolicySettle, ErrorPolicyAbort:
		return p, nil
	default:
		return "", fmt.Errorf("unknown error policy %q", s)
	}
}

// Timeouts are measured from publish time, except Quiet which is measured
// from the last response.
type Timeouts struct {
	// Initial bounds the wait for the first response of any kind.
	Initial time.Duration `yaml:"initial_timeout"`
	// Max bounds the whole invocation once someone has answered.
	Max time.Duration `yaml:"max_timeout"`
	// Quiet is how long the all-done condition must hold, with no new
	// responses, before it is trusted.
	Quiet time.Duration `yaml:"quiet_period"`
	// Poll caps the time between re-evaluations. Folds wake the
	// supervisor immediately regardless.
	Poll time.Duration `yaml:"poll_interval"`
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Initial: 2 * time.Second,
		Max:     5 * time.Second,
		Quiet:   500 * time.Millisecond,
		Poll:    100 * time.Millisecond,
	}
}

// Supervisor applies the completion rule and the timeout rules to one
// aggregator.
type Supervisor struct {
	agg      *Aggregator
	timeouts Timeouts
	policy   ErrorPolicy
	onPhase  func(Phase)
	logger   *slog.Logger

	phase   Phase
	entered bool
}

func NewSupervisor(agg *Aggregator, timeouts Timeouts, policy ErrorPolicy, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = ErrorPolicyWait
	}
	return &Supervisor{
		agg:      agg,
		timeouts: timeouts,
		policy:   policy,
		logger:   logger,
	}
}

// OnPhase registers a callback invoked on every phase change.
func (s *Supervisor) OnPhase(fn func(Phase)) {
	s.onPhase = fn
}

func (s *Supervisor) enter(p Phase) {
	if s.entered && s.phase == p {
		return
	}
	s.entered = true
	s.phase = p
	s.logger.Debug("supervisor phase", "phase", p.String())
	if s.onPhase != nil {
		s.onPhase(p)
	}
}

// Wait blocks until the invocation that published at start completes,
// times out, fails under ErrorPolicyAbort, or ctx is cancelled.
func (s *Supervisor) Wait(ctx context.Context, start time.Time) Outcome {
	initialDeadline := start.Add(s.timeouts.Initial)
	maxDeadline := start.Add(s.timeouts.Max)
	errorsFinish := s.policy == ErrorPolicySettle

	s.enter(PhaseAwaitingFirstResponse)

	for {
		now := time.Now()
		p := s.agg.progress(errorsFinish)

		if p.hasError && s.policy == ErrorPolicyAbort {
			s.enter(PhaseFailed)
			return OutcomeFailed
		}

		var wake time.Time
		if p.firstAt.IsZero() {
			if !now.Before(initialDeadline) {
				s.enter(PhaseFailed)
				return OutcomeNoResponse
			}
			wake = initialDeadline
		} else {
			if p.settled {
				quietUntil := p.lastAt.Add(s.timeouts.Quiet)
				if !now.Before(quietUntil) {
					s.enter(PhaseDone)
					return OutcomeComplete
				}
				s.enter(PhaseStabilizing)
				wake = quietUntil
			} else {
				s.enter(PhaseCollecting)
			}

			if !now.Before(maxDeadline) {
				// Everyone we know of has finished; only the quiet
				// period was cut short.
				if p.settled {
					s.enter(PhaseDone)
					return OutcomeComplete
				}
				s.enter(PhaseFailed)
				return OutcomeIncomplete
			}
			if wake.IsZero() || maxDeadline.Before(wake) {
				wake = maxDeadline
			}
		}

		d := time.Until(wake)
		if s.timeouts.Poll > 0 && d > s.timeouts.Poll {
			d = s.timeouts.Poll
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.enter(PhaseFailed)
			return OutcomeCancelled
		case <-s.agg.Updated():
		case <-timer.C:
		}
		timer.Stop()
	}
}
