package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/acheron-mq/acheron/pkg/domain"
)

var (
	enqueuePayload     string
	enqueuePriority    int
	enqueueQueue       string
	enqueueAckTimeout  float64
	enqueueMaxAttempts int
	enqueueFile        string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [type]",
	Short: "Enqueue a message, or a batch from a YAML manifest",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if enqueueFile != "" {
			enqueueManifest(cmd.OutOrStdout(), enqueueFile)
			return
		}
		if len(args) == 0 {
			fatal("message type is required unless --file is given")
		}

		payload := json.RawMessage(`{}`)
		if enqueuePayload != "" {
			if !json.Valid([]byte(enqueuePayload)) {
				fatal("payload is not valid JSON")
			}
			payload = json.RawMessage(enqueuePayload)
		}

		req := map[string]any{
			"type":     args[0],
			"payload":  payload,
			"priority": enqueuePriority,
		}
		if enqueueQueue != "" {
			req["queue"] = enqueueQueue
		}
		if cmd.Flags().Changed("ack-timeout") {
			req["ackTimeout"] = enqueueAckTimeout
		}
		if cmd.Flags().Changed("max-attempts") {
			req["maxAttempts"] = enqueueMaxAttempts
		}

		body, err := json.Marshal(req)
		if err != nil {
			fatal("Error encoding request: %v", err)
		}

		var stored domain.Message
		if err := requestJSON(http.MethodPost, "/api/queue/message", bytes.NewReader(body), &stored); err != nil {
			fatal("Error enqueueing message: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s (type=%s priority=%d)\n", stored.ID, stored.Type, stored.Priority)
	},
}

// manifestMessage is one entry of the YAML batch manifest. The payload
// may be any YAML value; it is re-encoded as JSON for the wire.
type manifestMessage struct {
	Type        string   `yaml:"type"`
	Payload     any      `yaml:"payload"`
	Priority    int      `yaml:"priority"`
	AckTimeout  *float64 `yaml:"ack_timeout"`
	MaxAttempts *int     `yaml:"max_attempts"`
}

type manifest struct {
	Messages []manifestMessage `yaml:"messages"`
}

func enqueueManifest(out io.Writer, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fatal("Error reading manifest: %v", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		fatal("Error parsing manifest: %v", err)
	}
	if len(m.Messages) == 0 {
		fatal("Manifest has no messages")
	}

	batch := make([]map[string]any, 0, len(m.Messages))
	for i, msg := range m.Messages {
		if msg.Type == "" {
			fatal("Manifest message %d has no type", i)
		}
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			fatal("Manifest message %d payload: %v", i, err)
		}
		entry := map[string]any{
			"type":     msg.Type,
			"payload":  json.RawMessage(payload),
			"priority": msg.Priority,
		}
		if msg.AckTimeout != nil {
			entry["ackTimeout"] = *msg.AckTimeout
		}
		if msg.MaxAttempts != nil {
			entry["maxAttempts"] = *msg.MaxAttempts
		}
		batch = append(batch, entry)
	}

	body, err := json.Marshal(batch)
	if err != nil {
		fatal("Error encoding batch: %v", err)
	}

	var result struct {
		Count int `json:"count"`
	}
	if err := requestJSON(http.MethodPost, "/api/queue/message", bytes.NewReader(body), &result); err != nil {
		fatal("Error enqueueing batch: %v", err)
	}
	fmt.Fprintf(out, "Enqueued %d messages\n", result.Count)
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "Message payload as JSON")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "Message priority (higher dequeues first)")
	enqueueCmd.Flags().StringVar(&enqueueQueue, "queue", "", "Target queue prefix (defaults to the server's queue)")
	enqueueCmd.Flags().Float64Var(&enqueueAckTimeout, "ack-timeout", 0, "Per-message ack timeout in seconds")
	enqueueCmd.Flags().IntVar(&enqueueMaxAttempts, "max-attempts", 0, "Per-message delivery attempt limit")
	enqueueCmd.Flags().StringVarP(&enqueueFile, "file", "f", "", "YAML manifest with a messages list")
	rootCmd.AddCommand(enqueueCmd)
}
