package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ChainManager handles the cryptographic chaining of audit events.
type ChainManager struct {
	secretKey []byte
}

// NewChainManager creates a new ChainManager with the given secret key.
func NewChainManager(secretKey []byte) *ChainManager {
	return &ChainManager{
		secretKey: secretKey,
	}
}

// ComputeHash computes the HMAC-SHA256 hash of the event. It assumes
// PreviousHash is already set; the Hash field itself is excluded.
func (c *ChainManager) ComputeHash(event *Event) (string, error) {
	// Deterministic representation: fixed field order, RFC3339Nano time.
	payload := struct {
		ID           string         `json:"id"`
		Timestamp    string         `json:"timestamp"`
		Action       Action         `json:"action"`
		Result       Result         `json:"result"`
		Queue        string         `json:"queue,omitempty"`
		MessageIDs   []string       `json:"message_ids,omitempty"`
		Count        int            `json:"count,omitempty"`
		SourceIP     string         `json:"source_ip,omitempty"`
		ErrorMessage string         `json:"error_message,omitempty"`
		Metadata     map[string]any `json:"metadata,omitempty"`
		PreviousHash string         `json:"previous_hash,omitempty"`
	}{
		ID:           event.ID,
		Timestamp:    event.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:       event.Action,
		Result:       event.Result,
		Queue:        event.Queue,
		MessageIDs:   event.MessageIDs,
		Count:        event.Count,
		SourceIP:     event.SourceIP,
		ErrorMessage: event.ErrorMessage,
		Metadata:     event.Metadata,
		PreviousHash: event.PreviousHash,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event for hashing: %w", err)
	}

	h := hmac.New(sha256.New, c.secretKey)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain verifies the integrity of a slice of events in order.
func (c *ChainManager) VerifyChain(events []Event) error {
	for i, event := range events {
		expectedHash, err := c.ComputeHash(&event)
		if err != nil {
			return fmt.Errorf("failed to compute hash for event %s: %w", event.ID, err)
		}
		if event.Hash != expectedHash {
			return fmt.Errorf("hash mismatch for event %s: expected %s, got %s", event.ID, expectedHash, event.Hash)
		}

		if i > 0 && event.PreviousHash != events[i-1].Hash {
			return fmt.Errorf("chain broken at event %s: previous hash %s does not match hash of event %s (%s)",
				event.ID, event.PreviousHash, events[i-1].ID, events[i-1].Hash)
		}
	}

	return nil
}
