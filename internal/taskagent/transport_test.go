package taskagent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sipwise/ngcp-taskagent/internal/pubsub"
)

// fakeTransport is an in-process bus. Published envelopes are handed to
// respond, which plays the part of the remote agents.
type fakeTransport struct {
	router *pubsub.Router

	mu           sync.Mutex
	published    []*Envelope
	unsubscribed map[string]int

	publishErr   error
	subscribeErr error
	respond      func(env *Envelope, reply func(Response))
}

func newFakeTransport(respond func(env *Envelope, reply func(Response))) *fakeTransport {
	return &fakeTransport{
		router:       pubsub.NewRouter(),
		unsubscribed: make(map[string]int),
		respond:      respond,
	}
}

func (f *fakeTransport) Publish(_ context.Context, _ string, payload []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	env, err := DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.published = append(f.published, env)
	f.mu.Unlock()

	if f.respond != nil {
		reply := func(r Response) {
			data, _ := json.Marshal(r)
			f.router.Dispatch(env.FeedbackChannel, data)
		}
		go f.respond(env, reply)
	}
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, channel string, h pubsub.Handler) error {
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	return f.router.Register(channel, h)
}

func (f *fakeTransport) Unsubscribe(_ context.Context, channel string) error {
	f.router.Unregister(channel)
	f.mu.Lock()
	f.unsubscribed[channel]++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) unsubscribeCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed[channel]
}

func (f *fakeTransport) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// step is one scripted agent message, sent at the given offset from
// publish time.
type step struct {
	at   time.Duration
	resp Response
}

func script(steps ...step) func(env *Envelope, reply func(Response)) {
	return func(env *Envelope, reply func(Response)) {
		start := time.Now()
		for _, s := range steps {
			if d := time.Until(start.Add(s.at)); d > 0 {
				time.Sleep(d)
			}
			r := s.resp
			r.CorrelationID = env.ID
			r.Task = env.Task
			reply(r)
		}
	}
}

func done(src, data string) Response {
	return Response{Source: src, Status: StatusDone, Data: jsonString(data)}
}

func inProgress(src string) Response {
	return Response{Source: src, Status: StatusInProgress}
}

func failed(src, reason string) Response {
	return Response{Source: src, Status: StatusError, Reason: reason}
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
