package domain

import (
	"net/http"
	"strings"
	"testing"
)

func TestNewMessageID_Format(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		if len(id) != 10 {
			t.Fatalf("Expected 10-char id, got %q (%d chars)", id, len(id))
		}
		for _, c := range id {
			if !strings.ContainsRune(idAlphabet, c) {
				t.Fatalf("ID %q contains invalid character %q", id, c)
			}
		}
		if seen[id] {
			t.Fatalf("Duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}

func TestParseQueueType(t *testing.T) {
	cases := map[string]QueueType{
		"main":         QueueMain,
		"processing":   QueueProcessing,
		"dead":         QueueDead,
		"dlq":          QueueDead,
		"acknowledged": QueueAcknowledged,
	}
	for in, want := range cases {
		got, err := ParseQueueType(in)
		if err != nil {
			t.Errorf("ParseQueueType(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseQueueType(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseQueueType("purgatory"); err == nil {
		t.Error("Expected error for unknown queue type")
	}
}

func TestMessage_WithoutLock(t *testing.T) {
	timeout := 5.0
	msg := &Message{
		ID:               "abc",
		Type:             "email",
		Payload:          []byte(`{"to":"x"}`),
		Priority:         3,
		StreamID:         "1-0",
		StreamName:       "q_p3",
		CustomAckTimeout: &timeout,
	}

	c := msg.WithoutLock()
	if c.StreamID != "" || c.StreamName != "" {
		t.Errorf("Lock fields not cleared: %q %q", c.StreamID, c.StreamName)
	}
	if msg.StreamID != "1-0" {
		t.Error("Original message mutated")
	}

	// The copy must not share backing storage with the original.
	c.Payload[2] = 'X'
	if string(msg.Payload) == string(c.Payload) {
		t.Error("Payload not deep-copied")
	}
	*c.CustomAckTimeout = 99
	if *msg.CustomAckTimeout != 5.0 {
		t.Error("CustomAckTimeout not deep-copied")
	}
}

func TestToHTTPError_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrMissingLock, http.StatusBadRequest},
		{ErrInvalidSignature, http.StatusUnprocessableEntity},
		{ErrCodec, http.StatusUnprocessableEntity},
		{ErrSubstrateUnavailable, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		if got := ToHTTPError(tc.err).HTTPStatusCode(); got != tc.code {
			t.Errorf("ToHTTPError(%v) = %d, want %d", tc.err, got, tc.code)
		}
	}

	if ToHTTPError(nil) != nil {
		t.Error("ToHTTPError(nil) should be nil")
	}

	// Wrapped sentinels should still map.
	wrapped := NewBrokerError(http.StatusTeapot, "teapot", nil)
	if got := ToHTTPError(wrapped).HTTPStatusCode(); got != http.StatusTeapot {
		t.Errorf("Existing BrokerError remapped to %d", got)
	}
}
