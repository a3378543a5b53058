package sse

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriter_SendAndComment(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := New(rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sw.Prepare()
	if err := sw.Send("session.state", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sw.Comment("ping"); err != nil {
		t.Fatalf("Comment: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}
	want := "event: session.state\ndata: {\"sessionId\":\"s1\"}\n\n: ping\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("body=%q, want %q", got, want)
	}
	if !strings.Contains(rec.Body.String(), "event: session.state") || !rec.Flushed {
		t.Fatal("expected flushed event")
	}
}
