package manager

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"qllmd/internal/engine/enginetest"
)

func TestEventPublisher_SessionLifecycle(t *testing.T) {
	m := newTestManager(t, enginetest.New("x", enginetest.EOG), nil)
	pub := NewMemoryPublisher()
	m.SetEventPublisher(pub)
	if _, err := m.CreateSession(context.Background(), "c"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := m.SubmitTurn(context.Background(), "c", "hi", io.Discard); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if err := m.DestroySession("c"); err != nil {
		t.Fatalf("DestroySession: %v", err)
	}
	evts := pub.Events()
	want := map[string]bool{
		"session_created":   false,
		"turn_start":        false,
		"turn_done":         false,
		"session_destroyed": false,
	}
	for _, e := range evts {
		if _, ok := want[e.Name]; ok {
			want[e.Name] = true
		}
		if e.Name == "turn_done" && e.Fields["reason"] != ReasonEOG {
			t.Fatalf("turn_done reason = %v", e.Fields["reason"])
		}
	}
	for k, v := range want {
		if !v {
			t.Fatalf("expected event %q to be published; got events: %+v", k, evts)
		}
	}
}

func TestSetEventPublisherNilRestoresNoop(t *testing.T) {
	m := newTestManager(t, enginetest.New(), nil)
	m.SetEventPublisher(nil)
	if _, err := m.CreateSession(context.Background(), "c"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func TestLogPublisherWritesDebug(t *testing.T) {
	var buf bytes.Buffer
	LogPublisher{Log: zerolog.New(&buf).Level(zerolog.DebugLevel)}.Publish(Event{Name: "session_created", SessionID: "c", Fields: map[string]any{"shared": true}})
	out := buf.String()
	if !strings.Contains(out, `"event":"session_created"`) || !strings.Contains(out, `"shared":true`) {
		t.Fatalf("log line = %s", out)
	}
}

func TestMemoryPublisherLimitAndNamed(t *testing.T) {
	pub := &MemoryPublisher{Limit: 3}
	for _, n := range []string{"a", "b", "a", "c", "a"} {
		pub.Publish(Event{Name: n})
	}
	evts := pub.Events()
	if len(evts) != 3 || evts[0].Name != "a" || evts[2].Name != "a" {
		t.Fatalf("kept events = %+v", evts)
	}
	if got := len(pub.Named("a")); got != 2 {
		t.Fatalf("Named(a) = %d, want 2", got)
	}
}
