package agentwire_test

import (
	"encoding/json"
	"testing"

	"github.com/agentwire/agentwire"
)

func TestClassifyProgress(t *testing.T) {
	msg := agentwire.Classify(json.RawMessage(`{"requestId":"r1","data":{"step":3}}`))

	prog, ok := msg.(*agentwire.Progress)
	if !ok {
		t.Fatalf("got %T, want *agentwire.Progress", msg)
	}
	if prog.RequestID != "r1" {
		t.Errorf("requestId: got %q, want %q", prog.RequestID, "r1")
	}
	if string(prog.Data) != `{"step":3}` {
		t.Errorf("data: got %s", prog.Data)
	}
}

func TestClassifyResponse(t *testing.T) {
	msg := agentwire.Classify(json.RawMessage(`{"requestId":"r1","result":{"ok":true}}`))

	res, ok := msg.(*agentwire.Response)
	if !ok {
		t.Fatalf("got %T, want *agentwire.Response", msg)
	}
	if res.RequestID != "r1" {
		t.Errorf("requestId: got %q, want %q", res.RequestID, "r1")
	}
	if res.Err != nil {
		t.Errorf("unexpected error: %v", res.Err)
	}
	if string(res.Result) != `{"ok":true}` {
		t.Errorf("result: got %s", res.Result)
	}
}

func TestClassifyErrorResponse(t *testing.T) {
	msg := agentwire.Classify(json.RawMessage(`{"requestId":"r1","error":{"code":-32000,"message":"tool failed"}}`))

	res, ok := msg.(*agentwire.Response)
	if !ok {
		t.Fatalf("got %T, want *agentwire.Response", msg)
	}
	if res.Err == nil {
		t.Fatal("error half not populated")
	}
	if res.Err.Code != -32000 || res.Err.Message != "tool failed" {
		t.Errorf("error: got %+v", res.Err)
	}
}

func TestClassifyProgressWinsOverResponse(t *testing.T) {
	// A payload carrying both shapes matches progress first.
	msg := agentwire.Classify(json.RawMessage(`{"requestId":"r1","data":1,"result":2}`))

	if _, ok := msg.(*agentwire.Progress); !ok {
		t.Fatalf("got %T, want *agentwire.Progress", msg)
	}
}

func TestClassifyRejectsUnrecognizedShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{broken`},
		{"not an object", `[1,2,3]`},
		{"missing request id", `{"data":1}`},
		{"no payload fields", `{"requestId":"r1"}`},
		{"empty request id", `{"requestId":"","result":1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if msg := agentwire.Classify(json.RawMessage(tc.raw)); msg != nil {
				t.Errorf("got %T, want nil", msg)
			}
		})
	}
}
