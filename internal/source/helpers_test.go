package source

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/genricoloni/coverd/internal/domain"
)

// next reads one message or fails after a second
func next(t *testing.T, ch <-chan domain.RawMessage) domain.RawMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("Messages channel closed unexpectedly")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("Timeout: no message emitted")
	}
	return domain.RawMessage{}
}

func decode(t *testing.T, msg domain.RawMessage) nowPlaying {
	t.Helper()
	var np nowPlaying
	if err := json.Unmarshal(msg.Payload, &np); err != nil {
		t.Fatalf("payload is not valid JSON: %v (%s)", err, msg.Payload)
	}
	return np
}

func expectClosed(t *testing.T, ch <-chan domain.RawMessage) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel, got a message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout: Messages channel was not closed")
	}
}
