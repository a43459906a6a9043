package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sipwise/ngcp-taskagent/internal/taskagent"
)

// RegisterBuiltins installs the tasks every agent answers:
//
//	ping    reports the agent name and attributes
//	echo    returns the request data unchanged
//	running lists tasks executing on this agent
//	sleep   waits options["duration"] (Go duration) before answering
func (r *Responder) RegisterBuiltins() {
	r.Handle("ping", func(context.Context, *taskagent.Envelope) (any, error) {
		return []map[string]any{{
			"host":       r.identity.Name,
			"attributes": r.identity.Attributes,
		}}, nil
	})

	r.Handle("echo", func(_ context.Context, env *taskagent.Envelope) (any, error) {
		if len(env.Data) == 0 {
			return nil, errors.New("echo: no data")
		}
		return json.RawMessage(env.Data), nil
	})

	r.Handle("running", func(_ context.Context, env *taskagent.Envelope) (any, error) {
		others := []RunningTask{}
		for _, t := range r.Running() {
			if t.ID != env.ID {
				others = append(others, t)
			}
		}
		return others, nil
	})

	r.Handle("sleep", func(ctx context.Context, env *taskagent.Envelope) (any, error) {
		raw, _ := env.Options["duration"].(string)
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, errors.New("sleep: options.duration must be a duration")
		}
		select {
		case <-time.After(d):
			return []string{r.identity.Name + " slept " + d.String()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
