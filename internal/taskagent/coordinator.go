// Package taskagent broadcasts commands to a dynamic set of remote agents
// over a pub/sub bus and collects their answers on a feedback channel unique
// to each invocation.
//
// Agents are discovered from the responses themselves, so completion is
// declared only after every agent heard from has reported done and no new
// response arrived for a quiet period. Initial and maximum timeouts bound
// the wait when nobody answers or somebody never finishes.
package taskagent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sipwise/ngcp-taskagent/internal/pubsub"
)

// Transport is the pub/sub connection shared by all invocations.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the broker accepted the subscription.
	Subscribe(ctx context.Context, channel string, h pubsub.Handler) error
	// Unsubscribe is a no-op for channels that are not subscribed.
	Unsubscribe(ctx context.Context, channel string) error
}

// Observer is notified about every invocation. Implementations must not
// block.
type Observer interface {
	InvocationStarted(env *Envelope)
	InvocationFinished(env *Envelope, res *Result)
}

type Config struct {
	// Channel is the broadcast channel all agents subscribe to.
	Channel     string
	Defaults    Defaults
	Timeouts    Timeouts
	ErrorPolicy ErrorPolicy
}

type Coordinator struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger
	observers []Observer
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

func NewCoordinator(t Transport, cfg Config, opts ...Option) *Coordinator {
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts()
	}
	if cfg.ErrorPolicy == "" {
		cfg.ErrorPolicy = ErrorPolicyWait
	}
	c := &Coordinator{
		transport: t,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AddObserver registers o for subsequent invocations. It is not safe to call
// concurrently with Invoke.
func (c *Coordinator) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

type invokeOptions struct {
	onFragment  FragmentFunc
	onPhase     func(Phase)
	timeouts    *Timeouts
	maxTimeout  time.Duration
	errorPolicy ErrorPolicy
}

type InvokeOption func(*invokeOptions)

// WithFragmentFunc replaces the default append of decoded fragments.
func WithFragmentFunc(fn FragmentFunc) InvokeOption {
	return func(o *invokeOptions) { o.onFragment = fn }
}

// WithPhaseFunc observes supervisor phase changes.
func WithPhaseFunc(fn func(Phase)) InvokeOption {
	return func(o *invokeOptions) { o.onPhase = fn }
}

func WithTimeouts(t Timeouts) InvokeOption {
	return func(o *invokeOptions) { o.timeouts = &t }
}

// WithMaxTimeout overrides only the maximum wait, on top of whichever
// timeouts apply. The initial timeout is clamped so it never exceeds it.
func WithMaxTimeout(d time.Duration) InvokeOption {
	return func(o *invokeOptions) { o.maxTimeout = d }
}

func WithErrorPolicy(p ErrorPolicy) InvokeOption {
	return func(o *invokeOptions) { o.errorPolicy = p }
}

// Invoke runs one request/response cycle. The returned error is non-nil
// for configuration and transport failures and when ctx is cancelled;
// timeouts are reported through Result.Outcome. The feedback channel is
// unsubscribed on every path once it was subscribed.
func (c *Coordinator) Invoke(ctx context.Context, req Request, opts ...InvokeOption) (res *Result, err error) {
	o := invokeOptions{errorPolicy: c.cfg.ErrorPolicy}
	for _, fn := range opts {
		fn(&o)
	}
	timeouts := c.cfg.Timeouts
	if o.timeouts != nil {
		timeouts = *o.timeouts
	}
	if o.maxTimeout > 0 {
		timeouts.Max = o.maxTimeout
		if timeouts.Initial > timeouts.Max {
			timeouts.Initial = timeouts.Max
		}
	}

	env, err := NewEnvelope(req, c.cfg.Defaults)
	if err != nil {
		return nil, err
	}
	payload, err := env.Marshal()
	if err != nil {
		return nil, configError("encode envelope: %v", err)
	}

	log := c.logger.With("id", env.ID, "task", env.Task, "feedback_channel", env.FeedbackChannel)
	agg := NewAggregator(o.onFragment)

	handler := func(_ string, data []byte) {
		r, err := DecodeResponse(data)
		if err != nil {
			log.Warn("discarding undecodable agent response", "error", err)
			return
		}
		if r.CorrelationID != "" && r.CorrelationID != env.ID {
			log.Debug("discarding response for another invocation", "correlation_id", r.CorrelationID)
			return
		}
		if err := agg.Fold(r); err != nil {
			log.Warn("agent response rejected", "src", r.Source, "error", err)
			return
		}
		if r.Status == StatusError {
			log.Warn("agent reported error", "src", r.Source, "reason", r.Reason)
		}
	}

	if err := c.transport.Subscribe(ctx, env.FeedbackChannel, handler); err != nil {
		return nil, transportError("subscribe", env.FeedbackChannel, err)
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if uerr := c.transport.Unsubscribe(uctx, env.FeedbackChannel); uerr != nil {
			log.Warn("unsubscribe feedback channel failed", "error", uerr)
			err = errors.Join(err, transportError("unsubscribe", env.FeedbackChannel, uerr))
		}
	}()

	start := time.Now()
	if err := c.transport.Publish(ctx, c.cfg.Channel, payload); err != nil {
		return nil, transportError("publish", c.cfg.Channel, err)
	}
	log.Debug("task published", "channel", c.cfg.Channel, "dst", env.Destination)
	for _, ob := range c.observers {
		ob.InvocationStarted(env)
	}

	sup := NewSupervisor(agg, timeouts, o.errorPolicy, log)
	if o.onPhase != nil {
		sup.OnPhase(o.onPhase)
	}
	outcome := sup.Wait(ctx, start)

	res = newResult(env, outcome, agg.Snapshot(), start)
	if outcome == OutcomeCancelled {
		res.cause = ctx.Err()
	}
	switch outcome {
	case OutcomeComplete:
		log.Info("task completed", "agents", len(res.Agents), "fragments", len(res.Fragments), "duration", res.Duration)
	case OutcomeNoResponse:
		log.Warn("no agent responded to task", "timeout", timeouts.Initial)
	case OutcomeIncomplete:
		log.Warn("task timed out with agents still working", "agents", res.Agents, "timeout", timeouts.Max)
	case OutcomeFailed:
		log.Error("task aborted on agent error", "src", res.ErrorSource, "reason", res.ErrorReason)
	case OutcomeCancelled:
		log.Info("task cancelled", "error", ctx.Err())
	}

	for _, ob := range c.observers {
		ob.InvocationFinished(env, res)
	}

	if outcome == OutcomeCancelled {
		return res, ctx.Err()
	}
	return res, nil
}

// Fragments runs Invoke and returns only the fragments, treating anything
// short of full success as an error. The fragments collected so far are
// returned alongside that error.
func (c *Coordinator) Fragments(ctx context.Context, req Request, opts ...InvokeOption) ([]any, error) {
	res, err := c.Invoke(ctx, req, opts...)
	if err != nil {
		if res != nil {
			return res.Fragments, err
		}
		return nil, err
	}
	return res.Fragments, res.Err()
}
