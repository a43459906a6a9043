package taskagent

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"pgregory.net/rapid"
)

func TestDecodeFragments(t *testing.T) {
	tests := []struct {
		name string
		data json.RawMessage
		want []any
	}{
		{"array in string", jsonString("[1,2,3]"), []any{1.0, 2.0, 3.0}},
		{"object in string", jsonString(`{"x":1}`), []any{map[string]any{"x": 1.0}}},
		{"plain text", jsonString("not json"), []any{"not json"}},
		{"inline array", json.RawMessage(`["a","b"]`), []any{"a", "b"}},
		{"inline scalar", json.RawMessage(`42`), []any{42.0}},
		{"empty", nil, nil},
		{"null", json.RawMessage(`null`), nil},
		{"empty string", jsonString(""), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeFragments(tt.data)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestDecodeFragmentsArrayLength(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		items := rapid.SliceOf(rapid.StringMatching(`[a-z0-9]{0,8}`)).Draw(rt, "items")
		raw, _ := json.Marshal(items)
		got := DecodeFragments(jsonString(string(raw)))
		if len(got) != len(items) {
			rt.Fatalf("expected %d fragments, got %d", len(items), len(got))
		}
		for i := range items {
			if got[i] != items[i] {
				rt.Fatalf("fragment %d: expected %q, got %v", i, items[i], got[i])
			}
		}
	})
}

func TestFoldTracksStatusAndFragments(t *testing.T) {
	agg := NewAggregator(nil)

	if err := agg.Fold(&Response{Source: "proxy1", Status: StatusInProgress}); err != nil {
		t.Fatalf("fold: %v", err)
	}
	if agg.Settled(false) {
		t.Error("an in-progress agent must not settle the invocation")
	}

	if err := agg.Fold(&Response{Source: "proxy1", Status: StatusDone, Data: jsonString(`["ok1"]`)}); err != nil {
		t.Fatalf("fold: %v", err)
	}
	snap := agg.Snapshot()
	if snap.Agents["proxy1"] != StatusDone {
		t.Errorf("expected proxy1 done, got %s", snap.Agents["proxy1"])
	}
	if !reflect.DeepEqual(snap.Fragments, []any{"ok1"}) {
		t.Errorf("unexpected fragments %v", snap.Fragments)
	}
	if snap.FirstResponseAt.IsZero() || snap.Responses != 2 {
		t.Errorf("unexpected bookkeeping: %+v", snap)
	}
	if !agg.Settled(false) {
		t.Error("expected settled once every known agent is done")
	}
}

func TestFoldRegressionIsViolation(t *testing.T) {
	agg := NewAggregator(nil)
	_ = agg.Fold(&Response{Source: "A", Status: StatusDone, Data: jsonString(`["x"]`)})
	before := agg.Fragments()

	err := agg.Fold(&Response{Source: "A", Status: StatusInProgress, Data: jsonString(`["y"]`)})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
	if !reflect.DeepEqual(agg.Fragments(), before) {
		t.Errorf("fragments changed: %v", agg.Fragments())
	}
	if agg.Snapshot().Agents["A"] != StatusDone {
		t.Error("status must not regress from done")
	}
}

func TestFoldFirstErrorWins(t *testing.T) {
	agg := NewAggregator(nil)
	_ = agg.Fold(&Response{Source: "A", Status: StatusError, Reason: "disk full"})
	_ = agg.Fold(&Response{Source: "B", Status: StatusError, Reason: "timeout"})

	hasErr, reason := agg.Error()
	if !hasErr || reason != "disk full" {
		t.Errorf("expected first reason to stick, got %v %q", hasErr, reason)
	}
	if agg.Settled(false) {
		t.Error("errored agents do not settle under the wait policy")
	}
	if !agg.Settled(true) {
		t.Error("errored agents settle when errors count as finished")
	}
}

func TestFoldDuplicateMessageIgnored(t *testing.T) {
	agg := NewAggregator(nil)
	r := &Response{ID: "m1", Source: "A", Status: StatusDone, Data: jsonString(`["x"]`)}
	_ = agg.Fold(r)
	_ = agg.Fold(r)

	if got := agg.Fragments(); len(got) != 1 {
		t.Errorf("expected one fragment, got %v", got)
	}
	if agg.Snapshot().Responses != 1 {
		t.Error("duplicate must not count as a response")
	}
}

func TestFoldChunkedResult(t *testing.T) {
	agg := NewAggregator(nil)
	chunk := func(seq int, data string) *Response {
		return &Response{Source: "A", Status: StatusDone, Sequence: seq, TotalSequences: 3, Data: jsonString(data)}
	}

	_ = agg.Fold(chunk(1, `["a"]`))
	_ = agg.Fold(chunk(2, `["b"]`))
	if agg.Settled(false) {
		t.Error("agent must stay in progress until its last chunk")
	}
	_ = agg.Fold(chunk(3, `["c"]`))
	if !agg.Settled(false) {
		t.Error("expected agent done after the last chunk")
	}
	if !reflect.DeepEqual(agg.Fragments(), []any{"a", "b", "c"}) {
		t.Errorf("unexpected fragments %v", agg.Fragments())
	}
}

func TestFoldSignalsUpdate(t *testing.T) {
	agg := NewAggregator(nil)
	_ = agg.Fold(&Response{Source: "A", Status: StatusInProgress})
	select {
	case <-agg.Updated():
	default:
		t.Fatal("expected an update signal after fold")
	}
}

func TestFoldConcurrent(t *testing.T) {
	agg := NewAggregator(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := fmt.Sprintf("agent%d", i)
			_ = agg.Fold(&Response{Source: src, Status: StatusInProgress})
			_ = agg.Fold(&Response{Source: src, Status: StatusDone, Data: jsonString(`["r"]`)})
		}(i)
		go agg.Settled(false)
	}
	wg.Wait()

	snap := agg.Snapshot()
	if len(snap.Agents) != 20 || len(snap.Fragments) != 20 {
		t.Errorf("expected 20 agents and fragments, got %d/%d", len(snap.Agents), len(snap.Fragments))
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"done":        StatusDone,
		"DONE":        StatusDone,
		"error":       StatusError,
		"in-progress": StatusInProgress,
		"accepted":    StatusInProgress,
		"":            StatusInProgress,
	}
	for in, want := range cases {
		if got := ParseStatus(in); got != want {
			t.Errorf("ParseStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestDecodeResponse(t *testing.T) {
	r, err := DecodeResponse([]byte(`{"correlation_id":"c1","src":"proxy1","status":"done","data":"[\"ok\"]"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.CorrelationID != "c1" || r.Source != "proxy1" || r.Status != StatusDone {
		t.Errorf("unexpected response %+v", r)
	}
	if got := DecodeFragments(r.Data); !reflect.DeepEqual(got, []any{"ok"}) {
		t.Errorf("unexpected fragments %v", got)
	}

	r, err = DecodeResponse([]byte(`{"src":"proxy1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Status != StatusInProgress {
		t.Errorf("expected missing status to mean in-progress, got %s", r.Status)
	}
}
