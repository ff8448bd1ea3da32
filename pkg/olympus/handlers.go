package olympus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hermes/audit"
	"github.com/acheron-mq/acheron/pkg/moirai"
)

// maxBodyBytes bounds request bodies; imports can carry whole queue
// exports, so the cap is generous.
const maxBodyBytes = 10 << 20

// handleConfig reports the delivery constants clients need to render
// countdowns and retry budgets.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ack_timeout_seconds": s.Broker.AckTimeout,
		"max_attempts":        s.Broker.MaxAttempts,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	include, _ := strconv.ParseBool(q.Get("include_messages"))

	status, err := s.Query.Status(r.Context(), domain.StatusOptions{
		IncludeMessages: include,
		QueueName:       q.Get("queueName"),
	})
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	queue, err := domain.ParseQueueType(r.PathValue("type"))
	if err != nil {
		s.failErr(w, err)
		return
	}

	result, err := s.Query.Messages(r.Context(), queue, queryOptionsFrom(r.URL.Query()))
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// enqueueRequest is the POST /api/queue/message body, either alone or as
// an array for batch enqueue.
type enqueueRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Queue       string          `json:"queue,omitempty"`
	AckTimeout  *float64        `json:"ackTimeout,omitempty"`
	MaxAttempts *int            `json:"maxAttempts,omitempty"`
}

func (e enqueueRequest) message() *domain.Message {
	return &domain.Message{
		Type:              e.Type,
		Payload:           e.Payload,
		Priority:          e.Priority,
		CustomAckTimeout:  e.AckTimeout,
		CustomMaxAttempts: e.MaxAttempts,
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeMessage(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		s.enqueueBatch(w, r, trimmed)
		return
	}

	var req enqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		s.writeMessage(w, http.StatusBadRequest, "type is required")
		return
	}

	var stored *domain.Message
	if req.Queue != "" {
		stored, err = s.Broker.EnqueueTo(r.Context(), req.Queue, req.message())
	} else {
		stored, err = s.Broker.Enqueue(r.Context(), req.message())
	}
	queue := req.Queue
	if queue == "" {
		queue = s.Broker.Layout.Queue()
	}
	s.audit(r, &audit.Event{Action: audit.ActionEnqueue, Queue: queue, Count: 1}, err)
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) enqueueBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var reqs []enqueueRequest
	if err := json.Unmarshal(body, &reqs); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(reqs) == 0 {
		s.writeMessage(w, http.StatusBadRequest, "batch is empty")
		return
	}

	msgs := make([]*domain.Message, 0, len(reqs))
	for i, req := range reqs {
		if req.Type == "" {
			s.writeMessage(w, http.StatusBadRequest, fmt.Sprintf("message %d: type is required", i))
			return
		}
		msgs = append(msgs, req.message())
	}

	stored, err := s.Broker.EnqueueBatch(r.Context(), msgs)
	s.audit(r, &audit.Event{Action: audit.ActionEnqueue, Queue: s.Broker.Layout.Queue(), Count: len(msgs)}, err)
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"messages": stored,
		"count":    len(stored),
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	queue, err := queueTypeOr(r, domain.QueueMain)
	if err != nil {
		s.failErr(w, err)
		return
	}

	var upd moirai.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&upd); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := s.Editor.Update(r.Context(), id, queue, upd)
	s.audit(r, &audit.Event{Action: audit.ActionUpdate, Queue: string(queue), MessageIDs: []string{id}}, err)
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	queue, err := queueTypeOr(r, domain.QueueMain)
	if err != nil {
		s.failErr(w, err)
		return
	}

	err = s.Editor.Delete(r.Context(), id, queue)
	s.audit(r, &audit.Event{Action: audit.ActionDelete, Queue: string(queue), MessageIDs: []string{id}, Count: 1}, err)
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"queue":   queue,
		"deleted": true,
	})
}

func (s *Server) handleDeleteBulk(w http.ResponseWriter, r *http.Request) {
	queue, err := queueTypeOr(r, domain.QueueMain)
	if err != nil {
		s.failErr(w, err)
		return
	}

	var req struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.MessageIDs) == 0 {
		s.writeMessage(w, http.StatusBadRequest, "messageIds is required")
		return
	}

	deleted, err := s.Editor.DeleteBulk(r.Context(), req.MessageIDs, queue)
	s.audit(r, &audit.Event{Action: audit.ActionDelete, Queue: string(queue), MessageIDs: req.MessageIDs, Count: deleted}, err)
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages    []string `json:"messages"`
		FromQueue   string   `json:"fromQueue"`
		ToQueue     string   `json:"toQueue"`
		ErrorReason string   `json:"errorReason,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		s.writeMessage(w, http.StatusBadRequest, "messages is required")
		return
	}

	from, err := domain.ParseQueueType(req.FromQueue)
	if err != nil {
		s.failErr(w, err)
		return
	}
	to, err := domain.ParseQueueType(req.ToQueue)
	if err != nil {
		s.failErr(w, err)
		return
	}

	moved, err := s.Mover.Move(r.Context(), req.Messages, from, to, req.ErrorReason)
	s.audit(r, &audit.Event{
		Action: audit.ActionMove, Queue: req.FromQueue, MessageIDs: req.Messages, Count: moved,
		Metadata: map[string]any{"to": req.ToQueue},
	}, err)
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"moved": moved,
		"from":  from,
		"to":    to,
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	queue, err := domain.ParseQueueType(r.PathValue("type"))
	if err != nil {
		s.failErr(w, err)
		return
	}

	cleared, err := s.Purger.Clear(r.Context(), queue)
	s.audit(r, &audit.Event{Action: audit.ActionClear, Queue: string(queue), Count: cleared}, err)
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cleared": cleared,
		"queue":   queue,
	})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.Purger.ClearAll(r.Context())
	s.audit(r, &audit.Event{Action: audit.ActionClear, Queue: "all", Count: cleared}, err)
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.Broker.Health(r.Context())
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := atoiOr(r.URL.Query().Get("limit"), 100)

	events := []audit.Event{}
	if s.Trail != nil {
		events = s.Trail.Recent(limit)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// audit records one trail entry for a mutating request. err decides the
// result; recording failures are logged, never surfaced.
func (s *Server) audit(r *http.Request, event *audit.Event, err error) {
	if s.Trail == nil {
		return
	}
	event.SourceIP = clientIP(r)
	if err != nil {
		event.Result = audit.ResultError
		event.ErrorMessage = err.Error()
	} else {
		event.Result = audit.ResultSuccess
	}
	if recordErr := s.Trail.Record(r.Context(), event); recordErr != nil {
		s.Logger.Warn(r.Context(), "failed to record audit event", map[string]any{
			"action": string(event.Action),
			"error":  recordErr.Error(),
		})
	}
}

// queueTypeOr parses the queueType query parameter, defaulting when absent.
func queueTypeOr(r *http.Request, fallback domain.QueueType) (domain.QueueType, error) {
	v := r.URL.Query().Get("queueType")
	if v == "" {
		return fallback, nil
	}
	return domain.ParseQueueType(v)
}

func queryOptionsFrom(q url.Values) domain.QueryOptions {
	opts := domain.QueryOptions{
		Page:              atoiOr(q.Get("page"), 0),
		Limit:             atoiOr(q.Get("limit"), 0),
		SortBy:            q.Get("sortBy"),
		SortOrder:         q.Get("sortOrder"),
		FilterType:        q.Get("filterType"),
		FilterMinAttempts: atoiOr(q.Get("filterAttempts"), 0),
		StartDate:         q.Get("startDate"),
		EndDate:           q.Get("endDate"),
		Search:            q.Get("search"),
	}
	if v := q.Get("filterPriority"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			opts.FilterPriority = &p
		}
	}
	return opts
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return fallback
}
