package events

import (
	"encoding/json"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func TestMessage_JSONIsCanonical(t *testing.T) {
	msg := NewMessage("job", "run_started").With("job_name", "build", "alpha", "1")

	got := string(msg.JSON())
	want := `{"alpha":"1","job_name":"build","sse_channel":"job","sse_event":"run_started","sse_event_uuid":"` + msg.EventUUID() + `"}`
	if got != want {
		t.Errorf("canonical form mismatch:\n got  %s\n want %s", got, want)
	}
}

func TestMessage_WithDoesNotMutate(t *testing.T) {
	msg := NewMessage("job", "run_started")
	stamped := msg.With(PropDispatcherID, "d1")

	if _, ok := msg.Property(PropDispatcherID); ok {
		t.Error("With must not modify the original message")
	}
	if v, _ := stamped.Property(PropDispatcherID); v != "d1" {
		t.Errorf("expected dispatcherId d1, got %q", v)
	}
	if stamped.EventUUID() != msg.EventUUID() {
		t.Error("event uuid must survive With")
	}
}

func TestParseMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"no channel", `{"sse_event_uuid":"abc"}`, ErrMissingChannel},
		{"no uuid", `{"sse_channel":"job"}`, ErrMissingEventUUID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := ParseMessage([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

// Property 1: Message round trip
// Serializing a message and parsing it back yields the same event uuid and properties.
func TestProperty1_MessageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		channel := rapid.StringMatching(`[a-z][a-z0-9_-]{0,15}`).Draw(t, "channel")
		event := rapid.StringMatching(`[a-z_]{1,12}`).Draw(t, "event")
		props := rapid.MapOf(
			rapid.StringMatching(`[a-z]{1,8}`),
			rapid.StringMatching(`[ -~]{0,16}`),
		).Draw(t, "props")

		msg := NewMessage(channel, event)
		for k, v := range props {
			msg = msg.With(k, v)
		}

		parsed, err := ParseMessage(msg.JSON())
		if err != nil {
			t.Fatalf("failed to parse: %v", err)
		}
		if parsed.EventUUID() != msg.EventUUID() {
			t.Fatalf("event uuid changed: %s != %s", parsed.EventUUID(), msg.EventUUID())
		}
		if string(parsed.JSON()) != string(msg.JSON()) {
			t.Fatalf("canonical form changed:\n%s\n%s", parsed.JSON(), msg.JSON())
		}
	})
}

func TestEventFilter_Matches(t *testing.T) {
	msg := NewMessage("job", "run_started").With("job_name", "build")

	tests := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"channel only", NewEventFilter("job"), true},
		{"other channel", NewEventFilter("pipeline"), false},
		{"matching predicate", NewEventFilter("job", EventKey, "run_started"), true},
		{"mismatched predicate", NewEventFilter("job", EventKey, "run_ended"), false},
		{"missing property", NewEventFilter("job", "queue", "fast"), false},
		{"two predicates", NewEventFilter("job", EventKey, "run_started", "job_name", "build"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(msg); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Property 2: Filter key equality
// Filters with the same channel and predicates share a key regardless of construction order.
func TestProperty2_FilterKeyEquality(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		channel := rapid.StringMatching(`[a-z]{1,10}`).Draw(t, "channel")
		preds := rapid.MapOf(rapid.StringMatching(`[a-z]{1,6}`), rapid.StringMatching(`[a-z0-9]{0,6}`)).Draw(t, "preds")

		a := EventFilter{Channel: channel, Predicates: preds}

		copied := make(map[string]string, len(preds))
		for k, v := range preds {
			copied[k] = v
		}
		b := EventFilter{Channel: channel, Predicates: copied}

		if a.Key() != b.Key() {
			t.Fatalf("keys differ: %q vs %q", a.Key(), b.Key())
		}

		other := EventFilter{Channel: channel + "x", Predicates: preds}
		if a.Key() == other.Key() {
			t.Fatalf("filters on different channels share key %q", a.Key())
		}
	})
}

func TestEventFilter_JSON(t *testing.T) {
	var f EventFilter
	if err := json.Unmarshal([]byte(`{"sse_channel":"job","sse_event":"run_started"}`), &f); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if f.Channel != "job" {
		t.Errorf("expected channel job, got %q", f.Channel)
	}
	if f.Predicates[EventKey] != "run_started" {
		t.Errorf("expected sse_event predicate, got %v", f.Predicates)
	}
	if f.Key() != NewEventFilter("job", EventKey, "run_started").Key() {
		t.Error("decoded filter should equal the constructed one")
	}

	var bare EventFilter
	if err := json.Unmarshal([]byte(`{"sse_channel":"job"}`), &bare); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if bare.Predicates != nil {
		t.Errorf("expected no predicates, got %v", bare.Predicates)
	}

	var bad EventFilter
	if err := json.Unmarshal([]byte(`{"sse_channel":"job","count":3}`), &bad); err == nil {
		t.Error("expected error for non-string predicate")
	}
}
