package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"campaignd/internal/domain"
	"campaignd/internal/progress"
	"campaignd/internal/service"
	"campaignd/internal/store"
	"campaignd/internal/util"

	"github.com/gorilla/mux"
)

type API struct {
	Svc   *service.CampaignService
	IDGen func() string
	// StreamInterval is the poll interval behind /events. Zero uses the
	// reporter's default.
	StreamInterval time.Duration
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/campaigns", a.handleCreate).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns", a.handleList).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGet).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleDelete).Methods(http.MethodDelete)
	mux.HandleFunc("/v1/campaigns/{id}/send", a.handleSend).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/progress", a.handleProgress).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/events", a.handleEvents).Methods(http.MethodGet)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.Create(r.Context(), req, a.IDGen(), util.NowUTC())
	if err != nil {
		slog.Error("create campaign failed",
			"err", err,
			"account_id", req.AccountID,
			"recipients", len(req.Recipients),
		)
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

type campaignSummary struct {
	ID        string                `json:"id"`
	AccountID string                `json:"accountId"`
	Status    domain.CampaignStatus `json:"status"`
	Sent      int                   `json:"sent"`
	Failed    int                   `json:"failed"`
	Total     int                   `json:"total"`
	CreatedAt time.Time             `json:"createdAt"`
	LastError string                `json:"lastError,omitempty"`
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		http.Error(w, ErrMissingAccount, http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, ErrInvalidLimit, http.StatusBadRequest)
			return
		}
		limit = n
	}

	cs, err := a.Svc.List(r.Context(), account, limit)
	if err != nil {
		slog.Error("list campaigns failed", "err", err, "account_id", account)
		a.fail(w, err)
		return
	}
	out := make([]campaignSummary, 0, len(cs))
	for _, c := range cs {
		out = append(out, campaignSummary{
			ID:        c.ID,
			AccountID: c.AccountID,
			Status:    c.Status,
			Sent:      c.SuccessCount,
			Failed:    c.FailedCount,
			Total:     c.TotalRecipients,
			CreatedAt: c.CreatedAt,
			LastError: c.LastError,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	c, err := a.Svc.Get(r.Context(), id)
	if err != nil {
		a.fail(w, err, "get campaign failed", "campaign_id", id)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := a.Svc.Delete(r.Context(), id); err != nil {
		a.fail(w, err, "delete campaign failed", "campaign_id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	snap, err := a.Svc.Send(r.Context(), id)
	if err != nil {
		a.fail(w, err, "start campaign failed", "campaign_id", id)
		return
	}
	slog.Info("campaign dispatch started", "campaign_id", id, "total", snap.Total)
	writeJSON(w, http.StatusAccepted, snap)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := a.Svc.Cancel(r.Context(), id); err != nil {
		a.fail(w, err, "cancel campaign failed", "campaign_id", id)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	snap, err := a.Svc.Progress(r.Context(), id)
	if err != nil {
		a.fail(w, err, "poll progress failed", "campaign_id", id)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEvents streams progress snapshots as server-sent events until the
// campaign is terminal or the client goes away.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, ErrStreaming, http.StatusInternalServerError)
		return
	}
	// Resolve unknown ids before committing to a 200 stream.
	first, err := a.Svc.Progress(r.Context(), id)
	if err != nil {
		a.fail(w, err, "poll progress failed", "campaign_id", id)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, f: flusher}
	if first.Status.Terminal() {
		_ = sink.Publish(r.Context(), first)
		sink.event("end", struct{}{})
		return
	}

	sub := a.Svc.Subscribe(r.Context(), id, sink, a.StreamInterval)
	<-sub.Done()
	switch err := sub.Err(); {
	case err != nil:
		sink.event("error", map[string]string{"error": err.Error()})
	case r.Context().Err() == nil:
		sink.event("end", struct{}{})
	}
}

type sseSink struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s *sseSink) Publish(ctx context.Context, snap domain.ProgressSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write("progress", snap)
}

func (s *sseSink) event(name string, v any) {
	_ = s.write(name, v)
}

func (s *sseSink) write(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

var _ progress.Sink = (*sseSink)(nil)

func campaignID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return "", false
	}
	return id, true
}

// fail maps service errors onto status codes. Dependency failures are logged
// with the given message and attributes when one is provided.
func (a *API) fail(w http.ResponseWriter, err error, logArgs ...any) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case service.IsClientError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrCampaignRunning), errors.Is(err, domain.ErrAlreadyRunning):
		http.Error(w, ErrRunning, http.StatusConflict)
	case errors.Is(err, domain.ErrNotRunning):
		http.Error(w, ErrNotRunning, http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, ErrConflict, http.StatusConflict)
	default:
		if len(logArgs) > 0 {
			msg, _ := logArgs[0].(string)
			slog.Error(msg, append([]any{"err", err, "storage", store.IsStorageError(err)}, logArgs[1:]...)...)
		}
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
