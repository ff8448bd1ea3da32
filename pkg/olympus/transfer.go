package olympus

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hermes/audit"
	"github.com/acheron-mq/acheron/pkg/minos"
)

// exportEnvelope is the download format. handleImport accepts it back,
// so export followed by import restores a queue's content.
type exportEnvelope struct {
	Queue      string            `json:"queue"`
	ExportedAt string            `json:"exported_at"`
	Count      int               `json:"count"`
	Messages   []*domain.Message `json:"messages"`
}

// handleExport downloads the filtered content of one queue as a JSON
// attachment. The same filter parameters as the messages listing apply;
// pagination does not, the export always covers the full result up to
// the query ceiling.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	queue, err := domain.ParseQueueType(r.PathValue("type"))
	if err != nil {
		s.failErr(w, err)
		return
	}

	opts := queryOptionsFrom(r.URL.Query())
	opts.Page = 1
	opts.Limit = minos.MaxLimit

	result, err := s.Query.Messages(r.Context(), queue, opts)
	if err != nil {
		s.failErr(w, err)
		return
	}

	filename := fmt.Sprintf("%s-%s-%s.json",
		s.Broker.Layout.Queue(), queue, time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(exportEnvelope{
		Queue:      string(queue),
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Count:      len(result.Messages),
		Messages:   result.Messages,
	})
}

// handleImport bulk-enqueues messages from an uploaded file. Both the
// export envelope and a bare JSON array are accepted. Runtime state on
// the entries (locks, attempt counts, timestamps) is discarded; the
// messages start over as fresh enqueues, keeping their ids.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		s.writeMessage(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	entries, err := decodeImport(file)
	if err != nil {
		s.writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(entries) == 0 {
		s.writeMessage(w, http.StatusBadRequest, "no messages in file")
		return
	}

	msgs := make([]*domain.Message, 0, len(entries))
	for i, entry := range entries {
		if entry == nil || entry.Type == "" {
			s.writeMessage(w, http.StatusBadRequest, fmt.Sprintf("message %d: type is required", i))
			return
		}
		msgs = append(msgs, &domain.Message{
			ID:                entry.ID,
			Type:              entry.Type,
			Payload:           entry.Payload,
			Priority:          entry.Priority,
			CreatedAt:         entry.CreatedAt,
			CustomAckTimeout:  entry.CustomAckTimeout,
			CustomMaxAttempts: entry.CustomMaxAttempts,
		})
	}

	stored, err := s.Broker.EnqueueBatch(r.Context(), msgs)
	s.audit(r, &audit.Event{Action: audit.ActionImport, Queue: s.Broker.Layout.Queue(), Count: len(msgs)}, err)
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"imported": len(stored)})
}

func decodeImport(file io.Reader) ([]*domain.Message, error) {
	data, err := io.ReadAll(io.LimitReader(file, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read file")
	}

	var envelope exportEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Messages != nil {
		return envelope.Messages, nil
	}

	var entries []*domain.Message
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("file is not a queue export or message array")
	}
	return entries, nil
}
