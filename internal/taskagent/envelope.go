package taskagent

import (
	"encoding/json"
	"maps"
	"os"
	"time"

	"github.com/google/uuid"
)

// DefaultDestination addresses every active agent with the proxy role.
const DefaultDestination = "*|state=active;role=proxy"

// OptionFeedbackChannel is the options key carrying the reply channel.
const OptionFeedbackChannel = "feedback_channel"

// Request holds the caller-supplied parameters of one invocation.
type Request struct {
	// FeedbackChannel is the base name of the reply channel. A unique
	// suffix is appended for every invocation.
	FeedbackChannel string         `json:"feedback_channel" yaml:"feedback_channel"`
	Task            string         `json:"task" yaml:"task"`
	Source          string         `json:"src,omitempty" yaml:"src"`
	Destination     string         `json:"dst,omitempty" yaml:"dst"`
	Options         map[string]any `json:"options,omitempty" yaml:"options"`
	Data            any            `json:"data,omitempty" yaml:"data"`
}

// Envelope is the command broadcast to agents. It is never mutated after
// NewEnvelope returns.
type Envelope struct {
	ID              string          `json:"id"`
	Task            string          `json:"task"`
	Source          string          `json:"src"`
	Destination     string          `json:"dst"`
	FeedbackChannel string          `json:"feedback_channel"`
	Options         map[string]any  `json:"options,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Defaults fills in optional request fields.
type Defaults struct {
	Source          string
	Destination     string
	FeedbackChannel string
}

var hostname = os.Hostname

// NewEnvelope builds the command envelope for req. It performs no I/O
// besides resolving the local host name when no source is known.
func NewEnvelope(req Request, def Defaults) (*Envelope, error) {
	base := req.FeedbackChannel
	if base == "" {
		base = def.FeedbackChannel
	}
	if base == "" {
		return nil, configError("feedback channel is required")
	}
	if req.Task == "" {
		return nil, configError("task is required")
	}

	src := req.Source
	if src == "" {
		src = def.Source
	}
	if src == "" {
		h, err := hostname()
		if err != nil {
			return nil, configError("resolve hostname: %v", err)
		}
		src = h
	}

	dst := req.Destination
	if dst == "" {
		dst = def.Destination
	}
	if dst == "" {
		dst = DefaultDestination
	}

	var data json.RawMessage
	if req.Data != nil {
		raw, err := json.Marshal(req.Data)
		if err != nil {
			return nil, configError("encode data: %v", err)
		}
		data = raw
	}

	feedback := FeedbackChannelName(base)
	opts := make(map[string]any, len(req.Options)+1)
	maps.Copy(opts, req.Options)
	opts[OptionFeedbackChannel] = feedback

	return &Envelope{
		ID:              uuid.NewString(),
		Task:            req.Task,
		Source:          src,
		Destination:     dst,
		FeedbackChannel: feedback,
		Options:         opts,
		Data:            data,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// FeedbackChannelName derives a reply channel unique to one invocation.
func FeedbackChannelName(base string) string {
	return base + "-" + uuid.NewString()
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope received from the broadcast channel.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.FeedbackChannel == "" {
		if ch, ok := env.Options[OptionFeedbackChannel].(string); ok {
			env.FeedbackChannel = ch
		}
	}
	return &env, nil
}
