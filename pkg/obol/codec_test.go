package obol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/acheron-mq/acheron/pkg/domain"
)

func testMessage() *domain.Message {
	return &domain.Message{
		ID:        domain.NewMessageID(),
		Type:      "email",
		Payload:   json.RawMessage(`{"to":"user@example.com"}`),
		Priority:  3,
		CreatedAt: 1700000000.5,
	}
}

func TestCodec_RoundTripUnsigned(t *testing.T) {
	codec := New("", false)
	msg := testMessage()

	raw, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("Failed to encode message: %v", err)
	}
	if strings.Contains(raw, "|") {
		t.Error("Expected unsigned entry to carry no signature separator")
	}

	decoded, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}
	if decoded.ID != msg.ID || decoded.Type != msg.Type || decoded.Priority != msg.Priority {
		t.Errorf("Decoded message does not match original: %+v", decoded)
	}
}

func TestCodec_RoundTripSigned(t *testing.T) {
	codec := New("secret-key", true)
	msg := testMessage()

	raw, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("Failed to encode message: %v", err)
	}
	if !strings.Contains(raw, "|") {
		t.Fatal("Expected signed entry to contain a signature separator")
	}

	decoded, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("Failed to decode signed message: %v", err)
	}
	if decoded.ID != msg.ID {
		t.Errorf("Expected ID %s, got %s", msg.ID, decoded.ID)
	}
}

func TestCodec_PayloadContainingPipes(t *testing.T) {
	codec := New("secret-key", true)
	msg := testMessage()
	msg.Payload = json.RawMessage(`{"expr":"a|b|c"}`)

	raw, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("Failed to encode message: %v", err)
	}
	decoded, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("Failed to decode message with pipes in payload: %v", err)
	}
	if string(decoded.Payload) != `{"expr":"a|b|c"}` {
		t.Errorf("Payload was corrupted: %s", decoded.Payload)
	}
}

func TestCodec_TamperedBodyRejected(t *testing.T) {
	codec := New("secret-key", true)
	raw, err := codec.Encode(testMessage())
	if err != nil {
		t.Fatalf("Failed to encode message: %v", err)
	}

	tampered := strings.Replace(raw, `"email"`, `"admin"`, 1)
	if _, err := codec.Decode(tampered); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("Expected ErrInvalidSignature, got %v", err)
	}
}

func TestCodec_MissingSignatureRejected(t *testing.T) {
	codec := New("secret-key", true)

	if _, err := codec.Decode(`{"id":"abc"}`); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("Expected ErrInvalidSignature for unsigned entry, got %v", err)
	}
}

func TestCodec_MalformedJSON(t *testing.T) {
	codec := New("", false)

	if _, err := codec.Decode(`not json at all`); !errors.Is(err, domain.ErrCodec) {
		t.Fatalf("Expected ErrCodec, got %v", err)
	}
}
