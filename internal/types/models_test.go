package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTransientEventOmitsSequenceNumber(t *testing.T) {
	event := Event{
		ID:          NewEventID(),
		Type:        "message_chunk",
		SessionID:   NewSessionID(),
		At:          time.Now(),
		Persistence: Transient,
		Payload:     json.RawMessage(`{"text":"hel"}`),
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sequenceNumber") {
		t.Errorf("transient event must not carry a sequence number: %s", data)
	}
}

func TestPersistedEventCarriesSequenceNumber(t *testing.T) {
	seq := int64(7)
	event := Event{
		ID:          NewEventID(),
		Type:        "message",
		SessionID:   NewSessionID(),
		At:          time.Now(),
		Persistence: Persisted,
		Seq:         &seq,
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["sequenceNumber"] != float64(7) {
		t.Errorf("expected sequenceNumber 7, got %v", decoded["sequenceNumber"])
	}
	if decoded["persistenceState"] != "persisted" {
		t.Errorf("expected persisted, got %v", decoded["persistenceState"])
	}
}

func TestApprovalStatusTerminal(t *testing.T) {
	if ApprovalPending.Terminal() {
		t.Error("pending must not be terminal")
	}
	for _, s := range []ApprovalStatus{ApprovalApproved, ApprovalRejected, ApprovalExpired} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
