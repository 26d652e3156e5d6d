package agentwire

import "encoding/json"

// Classify validates a decoded JSON value against the closed set of incoming message
// shapes and returns the matching message, or nil if the value matches none of them.
// The progress shape is tried before the response shape; the first match wins, so a
// malformed or future-versioned payload fails closed instead of being miscategorized.
// Callers drop nil results.
func Classify(raw json.RawMessage) Message {
	var probe struct {
		RequestID string          `json:"requestId"`
		Data      json.RawMessage `json:"data"`
		Result    json.RawMessage `json:"result"`
		Error     json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	if probe.RequestID == "" {
		return nil
	}

	if len(probe.Data) > 0 {
		return &Progress{RequestID: probe.RequestID, Data: probe.Data}
	}

	if len(probe.Result) > 0 || len(probe.Error) > 0 {
		res := &Response{RequestID: probe.RequestID, Result: probe.Result}
		if len(probe.Error) > 0 {
			var rErr ResponseError
			if err := json.Unmarshal(probe.Error, &rErr); err != nil {
				return nil
			}
			res.Err = &rErr
		}
		return res
	}

	return nil
}
