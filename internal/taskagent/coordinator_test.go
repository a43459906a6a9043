package taskagent

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

func testTimeouts() Timeouts {
	return Timeouts{
		Initial: 200 * time.Millisecond,
		Max:     1500 * time.Millisecond,
		Quiet:   100 * time.Millisecond,
		Poll:    20 * time.Millisecond,
	}
}

func newTestCoordinator(tr Transport, policy ErrorPolicy) *Coordinator {
	return NewCoordinator(tr, Config{
		Channel:     "ngcp-task-agent",
		Defaults:    Defaults{Source: "api-node"},
		Timeouts:    testTimeouts(),
		ErrorPolicy: policy,
	})
}

func proxyRequest() Request {
	return Request{
		FeedbackChannel: "ngcp-rest-api-feedback",
		Task:            "invalidate_ruleset",
		Destination:     "*|role=proxy",
	}
}

func TestInvokeTwoProxiesComplete(t *testing.T) {
	tr := newFakeTransport(func(env *Envelope, reply func(Response)) {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); script(step{10 * time.Millisecond, done("proxy1", `["ok1"]`)})(env, reply) }()
		go func() { defer wg.Done(); script(step{50 * time.Millisecond, done("proxy2", `["ok2"]`)})(env, reply) }()
		wg.Wait()
	})
	c := newTestCoordinator(tr, ErrorPolicyWait)

	start := time.Now()
	res, err := c.Invoke(context.Background(), proxyRequest())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	elapsed := time.Since(start)

	if res.Outcome != OutcomeComplete {
		t.Fatalf("expected complete, got %s", res.Outcome)
	}
	if !reflect.DeepEqual(res.Fragments, []any{"ok1", "ok2"}) {
		t.Errorf("expected [ok1 ok2], got %v", res.Fragments)
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("completed after %v, before the quiet period following the last response", elapsed)
	}
	if !res.Complete() || res.Err() != nil {
		t.Errorf("expected full success, got err %v", res.Err())
	}
	if tr.unsubscribeCount(res.FeedbackChannel) != 1 {
		t.Errorf("expected one unsubscribe, got %d", tr.unsubscribeCount(res.FeedbackChannel))
	}
	if res.Agents["proxy1"] != StatusDone || res.Agents["proxy2"] != StatusDone {
		t.Errorf("unexpected agent statuses: %v", res.Agents)
	}
}

func TestInvokeAgentErrorKeepsWaiting(t *testing.T) {
	tr := newFakeTransport(script(
		step{10 * time.Millisecond, done("proxy1", `["ok1"]`)},
		step{30 * time.Millisecond, failed("proxy2", "disk full")},
	))
	c := newTestCoordinator(tr, ErrorPolicyWait)

	start := time.Now()
	res, err := c.Invoke(context.Background(), proxyRequest())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if res.Outcome != OutcomeIncomplete {
		t.Fatalf("expected incomplete, got %s", res.Outcome)
	}
	if time.Since(start) < testTimeouts().Max {
		t.Error("expected the wait to run until the maximum timeout")
	}
	if !res.HasError || res.ErrorReason != "disk full" || res.ErrorSource != "proxy2" {
		t.Errorf("unexpected error state: %v %q %q", res.HasError, res.ErrorReason, res.ErrorSource)
	}
	if !reflect.DeepEqual(res.Fragments, []any{"ok1"}) {
		t.Errorf("expected [ok1], got %v", res.Fragments)
	}

	err = res.Err()
	if !errors.Is(err, ErrIncomplete) {
		t.Errorf("expected ErrIncomplete, got %v", err)
	}
	var agentErr *AgentError
	if !errors.As(err, &agentErr) || agentErr.Reason != "disk full" {
		t.Errorf("expected AgentError with reason, got %v", err)
	}
}

func TestInvokeErrorPolicyAbort(t *testing.T) {
	tr := newFakeTransport(script(
		step{10 * time.Millisecond, done("proxy1", `["ok1"]`)},
		step{30 * time.Millisecond, failed("proxy2", "disk full")},
	))
	c := newTestCoordinator(tr, ErrorPolicyAbort)

	start := time.Now()
	res, err := c.Invoke(context.Background(), proxyRequest())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}
	if time.Since(start) > time.Second {
		t.Error("expected abort well before the maximum timeout")
	}
	var agentErr *AgentError
	if !errors.As(res.Err(), &agentErr) || agentErr.Source != "proxy2" {
		t.Errorf("expected AgentError from proxy2, got %v", res.Err())
	}
	if tr.unsubscribeCount(res.FeedbackChannel) != 1 {
		t.Error("expected feedback channel to be unsubscribed")
	}
}

func TestInvokeErrorPolicySettle(t *testing.T) {
	tr := newFakeTransport(script(
		step{10 * time.Millisecond, done("proxy1", `["ok1"]`)},
		step{30 * time.Millisecond, failed("proxy2", "disk full")},
	))
	c := newTestCoordinator(tr, ErrorPolicySettle)

	res, err := c.Invoke(context.Background(), proxyRequest())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Fatalf("expected complete, got %s", res.Outcome)
	}
	if res.Complete() {
		t.Error("a settled invocation with an agent error is not a full success")
	}
	if res.Err() == nil {
		t.Error("expected agent error from Err")
	}
}

func TestInvokeQuietPeriodAfterLastDone(t *testing.T) {
	tr := newFakeTransport(script(
		step{0, done("A", `"a"`)},
		step{400 * time.Millisecond, done("B", `"b"`)},
	))
	c := NewCoordinator(tr, Config{
		Channel: "ngcp-task-agent",
		Timeouts: Timeouts{
			Initial: 2 * time.Second,
			Max:     5 * time.Second,
			Quiet:   500 * time.Millisecond,
			Poll:    100 * time.Millisecond,
		},
	})

	start := time.Now()
	res, err := c.Invoke(context.Background(), proxyRequest())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Fatalf("expected complete, got %s", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("completed after %v, expected at least 900ms", elapsed)
	}
	if !reflect.DeepEqual(res.Fragments, []any{"a", "b"}) {
		t.Errorf("unexpected fragments %v", res.Fragments)
	}
}

func TestInvokeStabilizationResets(t *testing.T) {
	tr := newFakeTransport(script(
		step{0, done("A", `"a"`)},
		step{150 * time.Millisecond, inProgress("B")},
		step{250 * time.Millisecond, done("B", `"b"`)},
	))
	c := NewCoordinator(tr, Config{
		Channel: "ngcp-task-agent",
		Timeouts: Timeouts{
			Initial: time.Second,
			Max:     3 * time.Second,
			Quiet:   200 * time.Millisecond,
			Poll:    20 * time.Millisecond,
		},
	})

	var mu sync.Mutex
	var phases []Phase
	record := func(p Phase) {
		mu.Lock()
		phases = append(phases, p)
		mu.Unlock()
	}

	start := time.Now()
	res, err := c.Invoke(context.Background(), proxyRequest(), WithPhaseFunc(record))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Fatalf("expected complete, got %s", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed < 450*time.Millisecond {
		t.Errorf("completed after %v, expected the clock to restart at B's done", elapsed)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Phase{PhaseAwaitingFirstResponse, PhaseStabilizing, PhaseCollecting, PhaseStabilizing, PhaseDone}
	if !reflect.DeepEqual(phases, want) {
		t.Errorf("expected phases %v, got %v", want, phases)
	}
}

func TestInvokeNoResponseTimeout(t *testing.T) {
	tr := newFakeTransport(nil)
	c := newTestCoordinator(tr, ErrorPolicyWait)

	start := time.Now()
	res, err := c.Invoke(context.Background(), proxyRequest())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	elapsed := time.Since(start)

	if res.Outcome != OutcomeNoResponse {
		t.Fatalf("expected no_response, got %s", res.Outcome)
	}
	if elapsed < testTimeouts().Initial || elapsed > testTimeouts().Max {
		t.Errorf("unexpected wait %v", elapsed)
	}
	if !errors.Is(res.Err(), ErrNoResponse) {
		t.Errorf("expected ErrNoResponse, got %v", res.Err())
	}
	if n := tr.unsubscribeCount(res.FeedbackChannel); n != 1 {
		t.Errorf("expected exactly one unsubscribe, got %d", n)
	}
	if len(res.Fragments) != 0 {
		t.Errorf("expected no fragments, got %v", res.Fragments)
	}
}

func TestInvokeMaxTimeout(t *testing.T) {
	tr := newFakeTransport(script(
		step{0, done("A", `["a1","a2"]`)},
		step{10 * time.Millisecond, inProgress("B")},
	))
	c := newTestCoordinator(tr, ErrorPolicyWait)

	start := time.Now()
	res, err := c.Invoke(context.Background(), proxyRequest())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Outcome != OutcomeIncomplete {
		t.Fatalf("expected incomplete, got %s", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > testTimeouts().Max+500*time.Millisecond {
		t.Errorf("exceeded the maximum window: %v", elapsed)
	}
	if !reflect.DeepEqual(res.Fragments, []any{"a1", "a2"}) {
		t.Errorf("expected only A's fragments, got %v", res.Fragments)
	}
	if !res.Partial() {
		t.Error("expected partial result")
	}
}

func TestInvokeMaxTimeoutOverride(t *testing.T) {
	tr := newFakeTransport(script(
		step{10 * time.Millisecond, done("A", `["ok1"]`)},
		step{20 * time.Millisecond, inProgress("B")},
	))
	c := newTestCoordinator(tr, ErrorPolicyWait)

	start := time.Now()
	res, err := c.Invoke(context.Background(), proxyRequest(), WithMaxTimeout(300*time.Millisecond))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Outcome != OutcomeIncomplete {
		t.Fatalf("expected incomplete, got %s", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed >= testTimeouts().Max {
		t.Errorf("override ignored, took %v", elapsed)
	}
	if !reflect.DeepEqual(res.Fragments, []any{"ok1"}) {
		t.Errorf("expected only A's fragment, got %v", res.Fragments)
	}
	if !errors.Is(res.Err(), ErrIncomplete) {
		t.Errorf("expected ErrIncomplete, got %v", res.Err())
	}
}

func TestInvokeMaxTimeoutClampsInitial(t *testing.T) {
	tr := newFakeTransport(nil)
	c := newTestCoordinator(tr, ErrorPolicyWait)

	start := time.Now()
	res, err := c.Invoke(context.Background(), proxyRequest(),
		WithTimeouts(Timeouts{Initial: 5 * time.Second, Max: 10 * time.Second, Quiet: 100 * time.Millisecond, Poll: 20 * time.Millisecond}),
		WithMaxTimeout(100*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Outcome != OutcomeNoResponse {
		t.Fatalf("expected no_response, got %s", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("initial timeout not clamped to the maximum, took %v", elapsed)
	}
}

func TestInvokeMaxTimeoutWhileStabilizing(t *testing.T) {
	tr := newFakeTransport(script(step{0, done("A", `"a"`)}))
	c := newTestCoordinator(tr, ErrorPolicyWait)

	// The quiet period cannot elapse before the maximum does.
	timeouts := Timeouts{
		Initial: 200 * time.Millisecond,
		Max:     300 * time.Millisecond,
		Quiet:   time.Second,
		Poll:    20 * time.Millisecond,
	}
	var mu sync.Mutex
	var phases []Phase
	start := time.Now()
	res, err := c.Invoke(context.Background(), proxyRequest(),
		WithTimeouts(timeouts),
		WithPhaseFunc(func(p Phase) {
			mu.Lock()
			phases = append(phases, p)
			mu.Unlock()
		}),
	)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Fatalf("expected complete, got %s", res.Outcome)
	}
	if elapsed < timeouts.Max-20*time.Millisecond {
		t.Errorf("finished before the maximum: %v", elapsed)
	}
	if elapsed >= timeouts.Quiet {
		t.Errorf("waited for the full quiet period: %v", elapsed)
	}
	if !reflect.DeepEqual(res.Fragments, []any{"a"}) {
		t.Errorf("unexpected fragments %v", res.Fragments)
	}

	mu.Lock()
	defer mu.Unlock()
	n := len(phases)
	if n < 2 || phases[n-2] != PhaseStabilizing || phases[n-1] != PhaseDone {
		t.Errorf("expected stabilizing to end in done, phases %v", phases)
	}
}

func TestInvokeConfigurationError(t *testing.T) {
	tr := newFakeTransport(nil)
	c := newTestCoordinator(tr, ErrorPolicyWait)

	_, err := c.Invoke(context.Background(), Request{FeedbackChannel: "fb"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if tr.publishedCount() != 0 {
		t.Error("expected nothing to be published")
	}
}

func TestInvokePublishFailure(t *testing.T) {
	tr := newFakeTransport(nil)
	tr.publishErr = errors.New("connection reset")
	c := newTestCoordinator(tr, ErrorPolicyWait)

	res, err := c.Invoke(context.Background(), proxyRequest())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if res != nil {
		t.Error("expected no result")
	}
	if tr.router.Len() != 0 {
		t.Error("expected the feedback subscription to be released")
	}
}

func TestInvokeSubscribeFailure(t *testing.T) {
	tr := newFakeTransport(nil)
	tr.subscribeErr = errors.New("not connected")
	c := newTestCoordinator(tr, ErrorPolicyWait)

	_, err := c.Invoke(context.Background(), proxyRequest())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if tr.publishedCount() != 0 {
		t.Error("expected nothing to be published without a feedback subscription")
	}
}

func TestInvokeCancelled(t *testing.T) {
	tr := newFakeTransport(script(step{0, inProgress("A")}))
	c := newTestCoordinator(tr, ErrorPolicyWait)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := c.Invoke(ctx, proxyRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if res == nil || res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	if tr.unsubscribeCount(res.FeedbackChannel) != 1 {
		t.Error("expected unsubscribe on cancellation")
	}
}

func TestInvokeCancelledKeepsCause(t *testing.T) {
	tr := newFakeTransport(script(
		step{10 * time.Millisecond, done("A", `["ok1"]`)},
		step{20 * time.Millisecond, inProgress("B")},
	))
	c := newTestCoordinator(tr, ErrorPolicyWait)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	res, err := c.Invoke(ctx, proxyRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !errors.Is(res.Err(), context.DeadlineExceeded) {
		t.Errorf("expected result error to carry the deadline, got %v", res.Err())
	}
	if !reflect.DeepEqual(res.Fragments, []any{"ok1"}) {
		t.Errorf("expected collected fragments to be kept, got %v", res.Fragments)
	}

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	res, err = c.Invoke(ctx, proxyRequest())
	if res == nil {
		t.Fatalf("expected a result, got error %v", err)
	}
	if !errors.Is(err, context.Canceled) || !errors.Is(res.Err(), context.Canceled) {
		t.Errorf("expected canceled, got %v and %v", err, res.Err())
	}
}

func TestInvokeIgnoresForeignCorrelation(t *testing.T) {
	tr := newFakeTransport(func(env *Envelope, reply func(Response)) {
		stray := done("ghost", `["stale"]`)
		stray.CorrelationID = "another-invocation"
		reply(stray)
		script(step{10 * time.Millisecond, done("proxy1", `["ok1"]`)})(env, reply)
	})
	c := newTestCoordinator(tr, ErrorPolicyWait)

	res, err := c.Invoke(context.Background(), proxyRequest())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !reflect.DeepEqual(res.Fragments, []any{"ok1"}) {
		t.Errorf("expected only ok1, got %v", res.Fragments)
	}
	if _, ok := res.Agents["ghost"]; ok {
		t.Error("foreign response must not register an agent")
	}
}

func TestInvokeFragmentFunc(t *testing.T) {
	tr := newFakeTransport(script(
		step{0, done("proxy1", `["a","b"]`)},
		step{10 * time.Millisecond, done("proxy2", `["b","c"]`)},
	))
	c := newTestCoordinator(tr, ErrorPolicyWait)

	dedupe := func(f any, acc []any) []any {
		for _, v := range acc {
			if v == f {
				return acc
			}
		}
		return append(acc, f)
	}
	frags, err := c.Fragments(context.Background(), proxyRequest(), WithFragmentFunc(dedupe))
	if err != nil {
		t.Fatalf("fragments: %v", err)
	}
	if !reflect.DeepEqual(frags, []any{"a", "b", "c"}) {
		t.Errorf("expected deduplicated [a b c], got %v", frags)
	}
}

func TestConcurrentInvocationsShareTransport(t *testing.T) {
	tr := newFakeTransport(func(env *Envelope, reply func(Response)) {
		script(step{5 * time.Millisecond, done("proxy1", fmt.Sprintf("%q", env.ID))})(env, reply)
	})
	c := newTestCoordinator(tr, ErrorPolicyWait)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Invoke(context.Background(), proxyRequest())
			if err != nil {
				t.Errorf("invoke %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, res := range results {
		if res == nil {
			continue
		}
		if seen[res.FeedbackChannel] {
			t.Errorf("feedback channel %s reused", res.FeedbackChannel)
		}
		seen[res.FeedbackChannel] = true
		if len(res.Fragments) != 1 || res.Fragments[0] != res.ID {
			t.Errorf("invocation %s received %v", res.ID, res.Fragments)
		}
	}
	if tr.router.Len() != 0 {
		t.Errorf("expected all subscriptions released, %d left", tr.router.Len())
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	finished []*Result
}

func (r *recordingObserver) InvocationStarted(*Envelope) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *recordingObserver) InvocationFinished(_ *Envelope, res *Result) {
	r.mu.Lock()
	r.finished = append(r.finished, res)
	r.mu.Unlock()
}

func TestObserverNotified(t *testing.T) {
	tr := newFakeTransport(script(step{0, done("proxy1", `"x"`)}))
	obs := &recordingObserver{}
	c := NewCoordinator(tr, Config{Channel: "ngcp-task-agent", Timeouts: testTimeouts()}, WithObserver(obs))

	if _, err := c.Invoke(context.Background(), proxyRequest()); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.started != 1 || len(obs.finished) != 1 {
		t.Fatalf("expected one start and one finish, got %d/%d", obs.started, len(obs.finished))
	}
	if obs.finished[0].Outcome != OutcomeComplete {
		t.Errorf("expected complete, got %s", obs.finished[0].Outcome)
	}
}
