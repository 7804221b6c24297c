package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func decodeResponses(t *testing.T, buf *bytes.Buffer) []Response {
	t.Helper()
	var out []Response
	dec := json.NewDecoder(buf)
	for dec.More() {
		var r Response
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestDispatcherRoutesToRegisteredHandler(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, zerolog.Nop())
	d.Register("ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]string{"pong": "ok"}, nil
	})

	in := strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}` + "\n")
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}

	resps := decodeResponses(t, &buf)
	if len(resps) != 1 {
		t.Fatalf("expected 1 response, got %d", len(resps))
	}
	if resps[0].Error != nil {
		t.Fatalf("expected no error, got %+v", resps[0].Error)
	}
}

func TestDispatcherUnknownMethod(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, zerolog.Nop())

	in := strings.NewReader(`{"jsonrpc":"2.0","method":"does_not_exist","id":2}` + "\n")
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}

	resps := decodeResponses(t, &buf)
	if len(resps) != 1 || resps[0].Error == nil {
		t.Fatalf("expected an error response, got %+v", resps)
	}
	if resps[0].Error.Code != codeMethodNotFound {
		t.Fatalf("expected code %d, got %d", codeMethodNotFound, resps[0].Error.Code)
	}
}

func TestDispatcherInvalidJSON(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, zerolog.Nop())

	in := strings.NewReader(`not json at all` + "\n")
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}

	resps := decodeResponses(t, &buf)
	if len(resps) != 1 || resps[0].Error == nil {
		t.Fatalf("expected a parse-error response, got %+v", resps)
	}
	if resps[0].Error.Code != codeParseError {
		t.Fatalf("expected code %d, got %d", codeParseError, resps[0].Error.Code)
	}
	if string(resps[0].ID) != "null" {
		t.Fatalf("a parse error must carry a null id, got %s", resps[0].ID)
	}
}

func TestDispatcherHandlerError(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, zerolog.Nop())
	d.Register("fail", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("boom")
	})

	in := strings.NewReader(`{"jsonrpc":"2.0","method":"fail","id":3}` + "\n")
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}

	resps := decodeResponses(t, &buf)
	if len(resps) != 1 || resps[0].Error == nil {
		t.Fatalf("expected an error response, got %+v", resps)
	}
	if resps[0].Error.Code != codeHandlerError {
		t.Fatalf("expected code %d, got %d", codeHandlerError, resps[0].Error.Code)
	}
	if resps[0].Error.Message != "boom" {
		t.Fatalf("expected handler error message to propagate, got %q", resps[0].Error.Message)
	}
}

func TestDispatcherSkipsBlankLines(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, zerolog.Nop())
	d.Register("ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return "pong", nil
	})

	in := strings.NewReader("\n\n" + `{"jsonrpc":"2.0","method":"ping","id":1}` + "\n\n")
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}

	resps := decodeResponses(t, &buf)
	if len(resps) != 1 {
		t.Fatalf("blank lines must not produce responses, got %d responses", len(resps))
	}
}

func TestDispatcherMultipleRequestsProcessInOrder(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, zerolog.Nop())
	var seen []string
	d.Register("record", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p struct {
			Tag string `json:"tag"`
		}
		json.Unmarshal(params, &p)
		seen = append(seen, p.Tag)
		return nil, nil
	})

	in := strings.NewReader(
		`{"jsonrpc":"2.0","method":"record","params":{"tag":"a"},"id":1}` + "\n" +
			`{"jsonrpc":"2.0","method":"record","params":{"tag":"b"},"id":2}` + "\n")
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("expected requests handled in order, got %v", seen)
	}
}
