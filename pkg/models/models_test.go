package models

import (
	"bytes"
	"errors"
	"testing"
)

func TestConcatPreservesOrder(t *testing.T) {
	for n := 0; n <= 5; n++ {
		var chunks []Chunk
		var want []byte
		for i := 0; i < n; i++ {
			data := []byte{byte('a' + i), byte('A' + i)}
			chunks = append(chunks, Chunk{Index: i, Data: data})
			want = append(want, data...)
		}
		p := Concat("s1", DefaultContentType, chunks)
		if !bytes.Equal(p.Data, want) {
			t.Fatalf("n=%d: got %q, want %q", n, p.Data, want)
		}
		if len(p.Data) != len(want) {
			t.Fatalf("n=%d: length %d, want %d", n, len(p.Data), len(want))
		}
		if p.ContentType != DefaultContentType || p.SessionID != "s1" {
			t.Fatalf("n=%d: unexpected metadata %+v", n, p)
		}
	}
}

func TestDecodeAnalysisResult(t *testing.T) {
	body := []byte(`{"analysis":"X","statements":["a","b"],"arguments":[{"supporting":["s1"],"challenging":[]},{}]}`)
	res, err := DecodeAnalysisResult(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Analysis != "X" {
		t.Errorf("analysis = %q", res.Analysis)
	}
	if len(res.Statements) != 2 {
		t.Fatalf("statements = %v", res.Statements)
	}
	a0 := res.ArgumentsFor(0)
	if len(a0.Supporting) != 1 || a0.Supporting[0] != "s1" || len(a0.Challenging) != 0 {
		t.Errorf("arguments[0] = %+v", a0)
	}
	a1 := res.ArgumentsFor(1)
	if a1.Supporting == nil || a1.Challenging == nil {
		t.Errorf("arguments[1] should be empty, not nil: %+v", a1)
	}
	if a := res.ArgumentsFor(7); len(a.Supporting) != 0 || len(a.Challenging) != 0 {
		t.Errorf("missing index should be empty: %+v", a)
	}
}

func TestDecodeAnalysisResultDefaults(t *testing.T) {
	res, err := DecodeAnalysisResult([]byte(`{"analysis":"No fact-checkable statements found."}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Statements == nil || len(res.Statements) != 0 {
		t.Errorf("statements should default to empty, got %#v", res.Statements)
	}
	if res.Arguments == nil || len(res.Arguments) != 0 {
		t.Errorf("arguments should default to empty, got %#v", res.Arguments)
	}

	res, err = DecodeAnalysisResult([]byte(`{"statements":["a"],"arguments":[null]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Analysis != "" {
		t.Errorf("analysis = %q, want empty", res.Analysis)
	}
	if a := res.ArgumentsFor(0); a.Supporting == nil || len(a.Supporting) != 0 {
		t.Errorf("null arguments entry should be empty: %+v", a)
	}
}

func TestDecodeAnalysisResultRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"html", "<html>oops</html>"},
		{"array", `["a"]`},
		{"null", "null"},
		{"truncated", `{"analysis":"x"`},
		{"analysis not string", `{"analysis":5}`},
		{"statements not array", `{"statements":"a"}`},
		{"statement not string", `{"statements":[1]}`},
		{"null statement", `{"statements":[null]}`},
		{"arguments wrong shape", `{"arguments":[{"supporting":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeAnalysisResult([]byte(tt.body)); err == nil {
				t.Fatalf("expected error for %q", tt.body)
			}
		})
	}
}

func TestDecodeAnalysisResultServiceError(t *testing.T) {
	_, err := DecodeAnalysisResult([]byte(`{"error":"Invalid content type"}`))
	var reported *ErrServiceReported
	if !errors.As(err, &reported) {
		t.Fatalf("expected ErrServiceReported, got %v", err)
	}
	if reported.Message != "Invalid content type" {
		t.Errorf("message = %q", reported.Message)
	}
}

func TestTransportErrorUserMessage(t *testing.T) {
	tests := []struct {
		err  *TransportError
		want string
	}{
		{&TransportError{Kind: KindDeviceDenied}, "Microphone access denied"},
		{&TransportError{Kind: KindServerError, Status: 500, Message: "boom"}, "Analysis service error (HTTP 500): boom"},
		{&TransportError{Kind: KindServerUnreachable, Message: "connection refused"}, "Analysis service unreachable: connection refused"},
		{&TransportError{Kind: KindProtocolError}, "Unexpected response from analysis service"},
	}
	for _, tt := range tests {
		if got := tt.err.UserMessage(); got != tt.want {
			t.Errorf("UserMessage() = %q, want %q", got, tt.want)
		}
	}
}
