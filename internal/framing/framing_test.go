package framing

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"testing"

	"github.com/relaykit/relaykit/internal/protoerr"
)

func TestLFRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "object", body: `{"a":1}`},
		{name: "array", body: `[1,2,3]`},
		{name: "number", body: `42`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(ModeLF, &buf, 0)
			if err := w.WriteFrame(json.RawMessage(tt.body)); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}

			r := NewReader(ModeLF, &buf, 0)
			got, err := r.ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if !json.Valid(got) {
				t.Fatalf("round-tripped frame is not valid JSON: %s", got)
			}
			var want, have any
			_ = json.Unmarshal([]byte(tt.body), &want)
			_ = json.Unmarshal(got, &have)
			gotJSON, _ := json.Marshal(have)
			wantJSON, _ := json.Marshal(want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("got %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestLFWriterRejectsEmbeddedDelimiter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(ModeLF, &buf, 0)
	err := w.WriteFrame(json.RawMessage("\"line one\\nline two\"\n"))
	if err == nil {
		t.Fatal("expected an error for an embedded delimiter, got nil")
	}
	kind, ok := protoerr.KindOf(err)
	if !ok || kind != protoerr.EncodeFailed {
		t.Fatalf("got kind %v, want EncodeFailed", kind)
	}
}

func TestLFReaderEOF(t *testing.T) {
	r := NewReader(ModeLF, bytes.NewReader(nil), 0)
	_, err := r.ReadFrame()
	if err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(ModeHTTP, &buf, 0)
	body := json.RawMessage(`{"type":"request","seq":1,"command":"initialize"}`)
	if err := w.WriteFrame(body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r := NewReader(ModeHTTP, &buf, 0)
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("got %s, want %s", got, body)
	}
}

func TestHTTPMissingContentLength(t *testing.T) {
	raw := "X-Other: 1\r\n\r\n"
	r := NewReader(ModeHTTP, bytes.NewBufferString(raw), 0)
	_, err := r.ReadFrame()
	kind, ok := protoerr.KindOf(err)
	if !ok || kind != protoerr.InvalidData {
		t.Fatalf("got err %v, want InvalidData", err)
	}
}

// TestHTTPZeroLengthBody covers B1: a Content-Length: 0 frame must parse as
// an empty JSON value rather than erroring.
func TestHTTPZeroLengthBody(t *testing.T) {
	raw := "Content-Length: 0\r\n\r\n"
	r := NewReader(ModeHTTP, bytes.NewBufferString(raw), 0)
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !json.Valid(got) {
		t.Fatalf("zero-length body did not parse as valid JSON: %q", got)
	}
}

func TestHTTPIgnoresUnknownHeaders(t *testing.T) {
	body := `{"ok":true}`
	raw := "X-Custom: whatever\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	r := NewReader(ModeHTTP, bytes.NewBufferString(raw), 0)
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != body {
		t.Errorf("got %s, want %s", got, body)
	}
}
