package api

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/metrics"
	"github.com/SirClappington/taskq/internal/tasks"
	"github.com/SirClappington/taskq/internal/telemetry"
)

// maxCountdownSec keeps the countdown representable as a time.Duration.
const maxCountdownSec = float64(math.MaxInt64 / int64(time.Second))

type SubmitRequest struct {
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	MaxRetries   *int            `json:"max_retries,omitempty"`
	CountdownSec float64         `json:"countdown_sec,omitempty"`
}

type SubmitResponse struct {
	TaskID string        `json:"task_id"`
	Status domain.Status `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// fail maps an error from the submit path onto a status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrTaskInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case domain.IsTransport(err), domain.IsStore(err):
		s.log.Error("backend unavailable",
			zap.String("request_id", requestID(r)),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		s.log.Error("request failed", zap.String("request_id", requestID(r)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	task, err := s.submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{TaskID: task.ID, Status: task.Status})
}

// submit writes the PENDING record and then enqueues. A record without a
// message is harmless; a message without a record would be rebuilt by the
// worker, but status polling would 404 until then.
func (s *Server) submit(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	if req.Name == "" {
		return nil, errors.Wrap(domain.ErrTaskInvalidInput, "name is required")
	}
	if len(s.known) > 0 {
		if _, ok := s.known[req.Name]; !ok {
			return nil, errors.Wrapf(domain.ErrTaskInvalidInput, "unknown task %q", req.Name)
		}
	}
	maxRetries := s.opts.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return nil, errors.Wrap(domain.ErrTaskInvalidInput, "max_retries must not be negative")
	}
	if req.CountdownSec < 0 {
		return nil, errors.Wrap(domain.ErrTaskInvalidInput, "countdown_sec must not be negative")
	}
	if req.CountdownSec > maxCountdownSec {
		return nil, errors.Wrapf(domain.ErrTaskInvalidInput, "countdown_sec must not exceed %d", int64(maxCountdownSec))
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	ctx, span := s.tracer.Start(ctx, "task.submit",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("taskq.task", req.Name)),
	)
	defer span.End()

	now := s.opts.Now()
	task := domain.NewTask(uuid.NewString(), req.Name, s.opts.Queue, payload, maxRetries, now)
	span.SetAttributes(attribute.String("taskq.task_id", task.ID))

	if err := s.store.Set(ctx, task); err != nil {
		span.RecordError(err)
		return nil, err
	}
	msg := task.Message(now)
	msg.Headers = telemetry.Inject(ctx, msg.Headers)
	runAt := now.Add(time.Duration(req.CountdownSec * float64(time.Second)))
	if _, err := s.broker.Enqueue(ctx, s.opts.Queue, msg, runAt); err != nil {
		span.RecordError(err)
		return nil, err
	}

	metrics.TasksSubmitted.WithLabelValues(task.Name).Inc()
	s.log.Debug("task submitted",
		zap.String("task_id", task.ID),
		zap.String("task", task.Name),
		zap.Time("run_at", runAt),
	)
	return task, nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, domain.ErrTaskNotFound.Error())
		return
	}
	task, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// uploadFile submits a filestats task for the multipart field "file".
func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.opts.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	contents, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read upload")
		return
	}
	payload, err := json.Marshal(tasks.FileStatsInput{Contents: tasks.EncodeContents(contents)})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	task, err := s.submit(r.Context(), SubmitRequest{Name: tasks.FileStats, Payload: payload})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{TaskID: task.ID, Status: task.Status})
}

type healthResponse struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
	Store  string `json:"store"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Broker: "connected", Store: "connected"}
	status := http.StatusOK
	if err := s.broker.Ping(ctx); err != nil {
		resp.Status, resp.Broker, status = "degraded", "disconnected", http.StatusServiceUnavailable
	}
	if err := s.store.Ping(ctx); err != nil {
		resp.Status, resp.Store, status = "degraded", "disconnected", http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
