// Package agent is the receiving side of the task protocol: it listens on
// the broadcast channel, runs the tasks addressed to this node and reports
// progress and results on each request's feedback channel.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sipwise/ngcp-taskagent/internal/taskagent"
)

// TaskFunc runs one task. The returned value is JSON encoded and sent as
// the result; a returned error is reported with its message as reason.
type TaskFunc func(ctx context.Context, env *taskagent.Envelope) (any, error)

type Responder struct {
	transport taskagent.Transport
	channel   string
	identity  Identity
	chunkSize int
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]TaskFunc

	queue   taskQueue
	running *tracker

	// stopMu orders drainer registration against Stop's wg.Wait.
	stopMu  sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Responder)

// WithChunkSize splits array results into messages of at most n elements.
func WithChunkSize(n int) Option {
	return func(r *Responder) { r.chunkSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) { r.logger = l }
}

func NewResponder(t taskagent.Transport, channel string, id Identity, opts ...Option) *Responder {
	r := &Responder{
		transport: t,
		channel:   channel,
		identity:  id,
		handlers:  make(map[string]TaskFunc),
		running:   newTracker(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.With("component", "agent", "name", id.Name)
	}
	return r
}

// Handle registers fn for task, replacing any previous handler.
func (r *Responder) Handle(task string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[task] = fn
}

func (r *Responder) handler(task string) TaskFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[task]
}

// Start subscribes to the broadcast channel. Tasks run with a context
// derived from ctx.
func (r *Responder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	if err := r.transport.Subscribe(ctx, r.channel, r.receive); err != nil {
		r.cancel()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("agent listening", "channel", r.channel, "attributes", r.identity.Attributes)
	return nil
}

// Stop unsubscribes, cancels running tasks and waits for them to report.
func (r *Responder) Stop(ctx context.Context) error {
	err := r.transport.Unsubscribe(ctx, r.channel)
	r.stopMu.Lock()
	r.stopped = true
	r.stopMu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return err
}

// Running lists the tasks currently executing.
func (r *Responder) Running() []RunningTask {
	return r.running.List()
}

func (r *Responder) receive(_ string, payload []byte) {
	env, err := taskagent.DecodeEnvelope(payload)
	if err != nil {
		r.logger.Warn("discarding undecodable envelope", "error", err)
		return
	}
	sel, err := ParseSelector(env.Destination)
	if err != nil {
		r.logger.Warn("discarding envelope with bad destination", "id", env.ID, "error", err)
		return
	}
	if !sel.Match(r.identity) {
		r.logger.Debug("envelope not addressed to this agent", "id", env.ID, "dst", env.Destination)
		return
	}
	if env.FeedbackChannel == "" {
		r.logger.Warn("discarding envelope without feedback channel", "id", env.ID)
		return
	}

	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.stopped {
		r.logger.Debug("discarding envelope received after stop", "id", env.ID)
		return
	}
	r.queue.Enqueue(env)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.drain()
	}()
}

func (r *Responder) drain() {
	for {
		if !r.queue.TryLock() {
			return // another drainer is active
		}
		for {
			env, ok := r.queue.Dequeue()
			if !ok {
				break
			}
			r.execute(r.ctx, env)
		}
		if !r.queue.Unlock() {
			return
		}
	}
}

func (r *Responder) execute(ctx context.Context, env *taskagent.Envelope) {
	log := r.logger.With("id", env.ID, "task", env.Task)
	r.running.Set(&RunningTask{ID: env.ID, Task: env.Task, Source: env.Source, StartedAt: time.Now()})
	defer r.running.Remove(env.ID)

	if err := r.reply(ctx, env, &taskagent.Response{Status: taskagent.StatusInProgress}); err != nil {
		log.Warn("acknowledge failed", "error", err)
	}

	fn := r.handler(env.Task)
	if fn == nil {
		r.fail(ctx, env, fmt.Sprintf("unknown task %q", env.Task))
		return
	}

	out, err := fn(ctx, env)
	if err != nil {
		r.fail(ctx, env, err.Error())
		return
	}

	chunks, err := encodeResult(out, r.chunkSize)
	if err != nil {
		r.fail(ctx, env, fmt.Sprintf("encode result: %v", err))
		return
	}
	for i, data := range chunks {
		resp := &taskagent.Response{Status: taskagent.StatusDone, Data: data}
		if len(chunks) > 1 {
			resp.Sequence = i + 1
			resp.TotalSequences = len(chunks)
		}
		if err := r.reply(ctx, env, resp); err != nil {
			log.Error("send result failed", "error", err)
			return
		}
	}
	log.Info("task done", "chunks", len(chunks))
}

func (r *Responder) fail(ctx context.Context, env *taskagent.Envelope, reason string) {
	r.logger.Warn("task failed", "id", env.ID, "task", env.Task, "reason", reason)
	if err := r.reply(ctx, env, &taskagent.Response{Status: taskagent.StatusError, Reason: reason}); err != nil {
		r.logger.Error("send error report failed", "id", env.ID, "error", err)
	}
}

func (r *Responder) reply(ctx context.Context, env *taskagent.Envelope, resp *taskagent.Response) error {
	resp.ID = uuid.NewString()
	resp.CorrelationID = env.ID
	resp.Source = r.identity.Name
	resp.Task = env.Task
	resp.Destination = env.Source

	data, err := resp.Marshal()
	if err != nil {
		return err
	}
	// Replies are sent even after the task context was cancelled.
	return r.transport.Publish(context.WithoutCancel(ctx), env.FeedbackChannel, data)
}

// encodeResult renders out as JSON-string data. Array results longer than
// chunkSize are split into several documents.
func encodeResult(out any, chunkSize int) ([]json.RawMessage, error) {
	if out == nil {
		return []json.RawMessage{nil}, nil
	}
	doc, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}

	docs := [][]byte{doc}
	var items []json.RawMessage
	if chunkSize > 0 && json.Unmarshal(doc, &items) == nil && len(items) > chunkSize {
		docs = docs[:0]
		for start := 0; start < len(items); start += chunkSize {
			end := min(start+chunkSize, len(items))
			part, err := json.Marshal(items[start:end])
			if err != nil {
				return nil, err
			}
			docs = append(docs, part)
		}
	}

	chunks := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		wrapped, err := json.Marshal(string(d))
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, wrapped)
	}
	return chunks, nil
}
