package taskagent

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Status is an agent's reported progress.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// ParseStatus maps the wire vocabulary onto the three states the
// coordinator distinguishes. Anything that is not done or error counts as
// still working.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "done", "ok", "success":
		return StatusDone
	case "error", "failed":
		return StatusError
	default:
		return StatusInProgress
	}
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = ParseStatus(raw)
	return nil
}

// Response is one message sent by an agent on the feedback channel.
type Response struct {
	// ID identifies this message. Redelivered messages share it.
	ID             string          `json:"id,omitempty"`
	CorrelationID  string          `json:"correlation_id"`
	Source         string          `json:"src"`
	Task           string          `json:"task,omitempty"`
	Destination    string          `json:"dst,omitempty"`
	Sequence       int             `json:"sequence,omitempty"`
	TotalSequences int             `json:"total_sequences,omitempty"`
	Status         Status          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

func DecodeResponse(data []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Status == "" {
		r.Status = StatusInProgress
	}
	return &r, nil
}

func (r *Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// chunked reports whether the agent splits its result across messages.
func (r *Response) chunked() bool {
	return r.TotalSequences > 1
}

// DecodeFragments turns response data into result fragments. A JSON string
// is unwrapped first; its content is then parsed as JSON. Arrays yield one
// fragment per element, other JSON values yield one fragment, and text that
// is not JSON is kept verbatim.
func DecodeFragments(data json.RawMessage) []any {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	text := data
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return []any{string(data)}
		}
		if s == "" {
			return nil
		}
		text = []byte(s)
	}

	var v any
	if err := json.Unmarshal(text, &v); err != nil {
		return []any{string(text)}
	}
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
}
