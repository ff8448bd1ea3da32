package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acheron-mq/acheron/pkg/domain"
)

// Mock server

func startMockServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()

	// Enqueue: single object or batch array, detected like the real API.
	mux.HandleFunc("/api/queue/message", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)
		body := bytes.TrimSpace(buf.Bytes())
		w.WriteHeader(http.StatusCreated)
		if len(body) > 0 && body[0] == '[' {
			var batch []map[string]any
			json.Unmarshal(body, &batch)
			json.NewEncoder(w).Encode(map[string]any{"count": len(batch)})
			return
		}
		var req map[string]any
		json.Unmarshal(body, &req)
		msg := domain.Message{ID: "m-123", Type: req["type"].(string)}
		if p, ok := req["priority"].(float64); ok {
			msg.Priority = int(p)
		}
		json.NewEncoder(w).Encode(&msg)
	})

	// Single delete.
	mux.HandleFunc("/api/queue/message/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			json.NewEncoder(w).Encode(map[string]any{"deleted": true})
		}
	})

	// Bulk delete.
	mux.HandleFunc("/api/queue/messages/delete", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MessageIDs []string `json:"messageIds"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{"deleted": len(req.MessageIDs)})
	})

	// Status.
	mux.HandleFunc("/api/queue/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.QueueStatus{
			Queue: "orders",
			Counts: map[string]int64{
				"main": 3, "processing": 1, "dead": 2, "acknowledged": 5,
			},
			Priorities: map[string]int64{"5": 2, "0": 1},
		})
	})

	// Listing.
	mux.HandleFunc("/api/queue/main/messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.QueryResult{
			Messages: []*domain.Message{
				{ID: "msg-1", Type: "email.send", Priority: 5, CreatedAt: float64(time.Now().Unix())},
				{ID: "msg-2", Type: "report.build", Priority: 0, AttemptCount: 2, LastError: "timeout"},
			},
			Pagination: domain.Pagination{Total: 2, Page: 1, Limit: 50, TotalPages: 1},
		})
	})

	// Move.
	mux.HandleFunc("/api/queue/move", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []string `json:"messages"`
			From     string   `json:"fromQueue"`
			To       string   `json:"toQueue"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{
			"moved": len(req.Messages), "from": req.From, "to": req.To,
		})
	})

	// Clear.
	mux.HandleFunc("/api/queue/clear", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"cleared": 7})
	})
	mux.HandleFunc("/api/queue/dead/clear", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"cleared": 2, "queue": "dead"})
	})

	// Event feed: two frames, then EOF.
	mux.HandleFunc("/api/queue/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "event: queue-update\ndata: {\"type\":\"enqueue\",\"timestamp\":1700000000000,\"payload\":{\"count\":1}}\n\n")
		fmt.Fprint(w, "event: queue-update\ndata: {\"type\":\"acknowledge\",\"timestamp\":1700000001000,\"payload\":{\"message_id\":\"msg-9\"}}\n\n")
	})

	return httptest.NewServer(mux)
}

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// isolateConfig points viper and the --config fallback at a throwaway
// file so tests never touch or read the developer's ~/.acheron.yaml.
func isolateConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	cfgFile = filepath.Join(t.TempDir(), "acheron.yaml")
	viper.SetConfigFile(cfgFile)
}

func TestEnqueue(t *testing.T) {
	isolateConfig(t)
	server := startMockServer(t)
	defer server.Close()
	host = server.URL

	output, err := executeCommand(rootCmd, "enqueue", "email.send", "--payload", `{"to":"ops@example.com"}`, "--priority", "5")
	require.NoError(t, err)
	assert.Contains(t, output, "Enqueued m-123")
	assert.Contains(t, output, "type=email.send")
	assert.Contains(t, output, "priority=5")
}

func TestEnqueueManifest(t *testing.T) {
	isolateConfig(t)
	server := startMockServer(t)
	defer server.Close()
	host = server.URL

	manifest := filepath.Join(t.TempDir(), "batch.yaml")
	content := `
messages:
  - type: email.send
    priority: 5
    payload:
      to: ops@example.com
  - type: report.build
    ack_timeout: 120
`
	require.NoError(t, os.WriteFile(manifest, []byte(content), 0644))

	output, err := executeCommand(rootCmd, "enqueue", "--file", manifest)
	require.NoError(t, err)
	assert.Contains(t, output, "Enqueued 2 messages")

	enqueueFile = ""
}

func TestStatus(t *testing.T) {
	isolateConfig(t)
	server := startMockServer(t)
	defer server.Close()
	host = server.URL

	output, err := executeCommand(rootCmd, "status")
	require.NoError(t, err)
	assert.Contains(t, output, "Queue: orders")
	assert.Contains(t, output, "main")
	assert.Contains(t, output, "dead")
	assert.Contains(t, output, "PRIORITY")
	assert.Contains(t, output, "5")
}

func TestList(t *testing.T) {
	isolateConfig(t)
	server := startMockServer(t)
	defer server.Close()
	host = server.URL

	output, err := executeCommand(rootCmd, "list", "main")
	require.NoError(t, err)
	assert.Contains(t, output, "msg-1")
	assert.Contains(t, output, "email.send")
	assert.Contains(t, output, "timeout")
	assert.Contains(t, output, "Page 1/1 (2 messages)")
}

func TestListQueryParams(t *testing.T) {
	isolateConfig(t)

	var got url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		json.NewEncoder(w).Encode(domain.QueryResult{})
	}))
	defer server.Close()
	host = server.URL

	_, err := executeCommand(rootCmd, "list", "dead", "--type", "email.send", "--priority", "5", "--search", "ops", "--page", "2", "--limit", "10")
	require.NoError(t, err)
	assert.Equal(t, "email.send", got.Get("filterType"))
	assert.Equal(t, "5", got.Get("filterPriority"))
	assert.Equal(t, "ops", got.Get("search"))
	assert.Equal(t, "2", got.Get("page"))
	assert.Equal(t, "10", got.Get("limit"))

	listPage, listLimit = 1, 50
	listType, listSearch = "", ""
}

func TestMove(t *testing.T) {
	isolateConfig(t)
	server := startMockServer(t)
	defer server.Close()
	host = server.URL

	output, err := executeCommand(rootCmd, "move", "dead", "main", "msg-1", "msg-2")
	require.NoError(t, err)
	assert.Contains(t, output, "Moved 2 message(s) from dead to main")
}

func TestDelete(t *testing.T) {
	isolateConfig(t)
	server := startMockServer(t)
	defer server.Close()
	host = server.URL

	output, err := executeCommand(rootCmd, "delete", "main", "msg-1")
	require.NoError(t, err)
	assert.Contains(t, output, "Deleted msg-1 from main")

	output, err = executeCommand(rootCmd, "delete", "dead", "msg-1", "msg-2", "msg-3")
	require.NoError(t, err)
	assert.Contains(t, output, "Deleted 3 of 3 message(s) from dead")
}

func TestClear(t *testing.T) {
	isolateConfig(t)
	server := startMockServer(t)
	defer server.Close()
	host = server.URL

	output, err := executeCommand(rootCmd, "clear", "dead")
	require.NoError(t, err)
	assert.Contains(t, output, "Cleared 2 message(s) from dead")

	output, err = executeCommand(rootCmd, "clear", "all")
	require.NoError(t, err)
	assert.Contains(t, output, "Cleared 7 message(s) across all queues")
}

func TestWatch(t *testing.T) {
	isolateConfig(t)
	server := startMockServer(t)
	defer server.Close()
	host = server.URL

	output, err := executeCommand(rootCmd, "watch")
	require.NoError(t, err)
	assert.Contains(t, output, "enqueue")
	assert.Contains(t, output, `"count":1`)
	assert.Contains(t, output, "acknowledge")
	assert.Contains(t, output, "msg-9")
}

func TestAuthHeader(t *testing.T) {
	isolateConfig(t)

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(domain.QueueStatus{Queue: "orders"})
	}))
	defer server.Close()
	host = server.URL
	apiKey = "secret-key"
	defer func() { apiKey = "" }()

	_, err := executeCommand(rootCmd, "status")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestConfig(t *testing.T) {
	isolateConfig(t)

	output, err := executeCommand(rootCmd, "config", "set", "default-queue", "orders")
	require.NoError(t, err)
	assert.Contains(t, output, "Set default-queue to orders")
	assert.Equal(t, "orders", viper.GetString("default-queue"))

	output, err = executeCommand(rootCmd, "config", "get", "default-queue")
	require.NoError(t, err)
	assert.Contains(t, output, "orders")

	output, err = executeCommand(rootCmd, "config", "view")
	require.NoError(t, err)
	assert.Contains(t, output, "default-queue")

	output, err = executeCommand(rootCmd, "config", "get", "missing-key")
	require.NoError(t, err)
	assert.Contains(t, output, "Not set")
}
