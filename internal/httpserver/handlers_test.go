package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"campaignd/internal/domain"
	"campaignd/internal/engine"
	"campaignd/internal/governor"
	"campaignd/internal/observability"
	"campaignd/internal/progress"
	"campaignd/internal/service"
	"campaignd/internal/store/memory"
	"campaignd/internal/transport"

	"github.com/gorilla/mux"
)

type harness struct {
	h     http.Handler
	store *memory.Store
	eng   *engine.Engine
}

func fastConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Governor = governor.Config{
		PerHourCap:    1 << 20,
		PerMinuteCap:  1 << 20,
		BurstSize:     1 << 20,
		BurstCooldown: 0,
	}
	cfg.Retry.BaseDelay = 0
	return cfg
}

func newHarness(t *testing.T, sender transport.Sender) *harness {
	t.Helper()
	st := memory.New()
	eng, err := engine.New(engine.Deps{Store: st, Sender: sender}, fastConfig())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	n := 0
	api := &API{
		Svc: &service.CampaignService{
			Store:    st,
			Engine:   eng,
			Reporter: &progress.Reporter{Store: st, Interval: 10 * time.Millisecond},
			RunCtx:   context.Background(),
		},
		IDGen: func() string {
			n++
			return "cmp_" + string(rune('a'+n-1))
		},
		StreamInterval: 10 * time.Millisecond,
	}
	s := New()
	api.Register(s.Mux)
	s.Mux.HandleFunc("/healthz", Healthz())
	s.Mux.HandleFunc("/readyz", Readyz(time.Second, Check{Name: "store", Probe: st.Ping}))
	s.Mux.Use(Metrics(observability.APIRequests))
	return &harness{h: Logging(s.Mux), store: st, eng: eng}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func (h *harness) create(t *testing.T, n int) string {
	t.Helper()
	req := domain.CreateCampaignRequest{
		AccountID: "acct-1",
		Template:  domain.Template{Subject: "Hi {{name}}", Body: "Hello {{ name }}"},
	}
	for i := 0; i < n; i++ {
		req.Recipients = append(req.Recipients, domain.RecipientInput{
			Address:     "user" + string(rune('0'+i)) + "@example.com",
			DisplayName: "User",
		})
	}
	rec := h.do(t, http.MethodPost, "/v1/campaigns", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var resp domain.CreateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if resp.Status != string(domain.CampaignPending) || resp.Total != n {
		t.Fatalf("unexpected create response: %+v", resp)
	}
	return resp.CampaignID
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.CampaignStatus) *domain.Campaign {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := h.store.Load(context.Background(), id)
		if err == nil && c.Status == want && !h.eng.Running(id) {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("campaign %s never reached %s", id, want)
	return nil
}

func okSender() transport.Sender {
	return transport.SenderFunc(func(ctx context.Context, msg transport.Message) error { return nil })
}

// blockingSender holds every send until ctx is done.
func blockingSender(started chan<- struct{}) transport.Sender {
	var once atomic.Bool
	return transport.SenderFunc(func(ctx context.Context, msg transport.Message) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	})
}

func TestCreateAndGet(t *testing.T) {
	h := newHarness(t, okSender())
	id := h.create(t, 2)

	rec := h.do(t, http.MethodGet, "/v1/campaigns/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	var c domain.Campaign
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Status != domain.CampaignPending || len(c.Recipients) != 2 || c.Template.Format != domain.FormatText {
		t.Fatalf("unexpected campaign: %+v", c)
	}

	rec = h.do(t, http.MethodGet, "/v1/campaigns/"+id+"/progress", nil)
	var snap domain.ProgressSnapshot
	_ = json.Unmarshal(rec.Body.Bytes(), &snap)
	if rec.Code != http.StatusOK || snap.Total != 2 || snap.Percent != 0 {
		t.Fatalf("progress: %d %+v", rec.Code, snap)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	h := newHarness(t, okSender())

	req := httptest.NewRequest(http.MethodPost, "/v1/campaigns", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/v1/campaigns", domain.CreateCampaignRequest{
		AccountID: "acct-1",
		Template:  domain.Template{Body: "x"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for no recipients, got %d", rec.Code)
	}
}

func TestUnknownCampaignIsNotFound(t *testing.T) {
	h := newHarness(t, okSender())
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/campaigns/nope"},
		{http.MethodGet, "/v1/campaigns/nope/progress"},
		{http.MethodGet, "/v1/campaigns/nope/events"},
		{http.MethodPost, "/v1/campaigns/nope/send"},
		{http.MethodPost, "/v1/campaigns/nope/cancel"},
		{http.MethodDelete, "/v1/campaigns/nope"},
	} {
		if rec := h.do(t, tc.method, tc.path, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestSendRunsToCompletion(t *testing.T) {
	h := newHarness(t, okSender())
	id := h.create(t, 3)

	rec := h.do(t, http.MethodPost, "/v1/campaigns/"+id+"/send", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	c := h.waitStatus(t, id, domain.CampaignCompleted)
	if c.SuccessCount != 3 || c.FailedCount != 0 {
		t.Fatalf("unexpected counts: sent=%d failed=%d", c.SuccessCount, c.FailedCount)
	}

	if rec := h.do(t, http.MethodPost, "/v1/campaigns/"+id+"/send", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 re-sending a completed campaign, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/v1/campaigns/"+id+"/cancel", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 cancelling a finished campaign, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodDelete, "/v1/campaigns/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 deleting a completed campaign, got %d", rec.Code)
	}
}

func TestDeleteWhileSendingIsRejected(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, blockingSender(started))
	id := h.create(t, 2)

	if rec := h.do(t, http.MethodPost, "/v1/campaigns/"+id+"/send", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("send: %d", rec.Code)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("sender never called")
	}

	if rec := h.do(t, http.MethodDelete, "/v1/campaigns/"+id, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 deleting a sending campaign, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/v1/campaigns/"+id+"/send", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a second send, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/v1/campaigns/"+id+"/cancel", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: %d", rec.Code)
	}

	c := h.waitStatus(t, id, domain.CampaignFailed)
	if c.LastError != "cancelled" {
		t.Fatalf("expected cancelled, got %q", c.LastError)
	}
	if rec := h.do(t, http.MethodDelete, "/v1/campaigns/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 after cancel, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/v1/campaigns/"+id, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestEventsStreamEndsOnTerminal(t *testing.T) {
	h := newHarness(t, okSender())
	id := h.create(t, 2)
	if rec := h.do(t, http.MethodPost, "/v1/campaigns/"+id+"/send", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("send: %d", rec.Code)
	}

	rec := h.do(t, http.MethodGet, "/v1/campaigns/"+id+"/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: progress") || !strings.HasSuffix(body, "event: end\ndata: {}\n\n") {
		t.Fatalf("unexpected stream:\n%s", body)
	}
	if !strings.Contains(body, `"status":"completed"`) {
		t.Fatalf("stream never reported completion:\n%s", body)
	}
}

func TestListByAccount(t *testing.T) {
	h := newHarness(t, okSender())
	h.create(t, 1)
	h.create(t, 2)

	if rec := h.do(t, http.MethodGet, "/v1/campaigns", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without account, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/v1/campaigns?account=acct-1&limit=x", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}

	rec := h.do(t, http.MethodGet, "/v1/campaigns?account=acct-1", nil)
	var out []campaignSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || len(out) != 2 {
		t.Fatalf("list: %d %+v", rec.Code, out)
	}

	rec = h.do(t, http.MethodGet, "/v1/campaigns?account=acct-1&limit=1", nil)
	out = nil
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(out))
	}
}

func TestHealthAndReadiness(t *testing.T) {
	h := newHarness(t, okSender())
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || rec.Header().Get(HeaderRequestID) == "" {
		t.Fatalf("healthz: %d request_id=%q", rec.Code, rec.Header().Get(HeaderRequestID))
	}
	if rec := h.do(t, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rec.Code)
	}

	failing := Readyz(time.Second,
		Check{Name: "store", Probe: func(ctx context.Context) error { return nil }},
		Check{Name: "queue", Probe: func(ctx context.Context) error { return context.DeadlineExceeded }},
	)
	rec = httptest.NewRecorder()
	failing(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var report map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &report)
	if rec.Code != http.StatusServiceUnavailable || report["store"] != "ok" || report["queue"] == "ok" {
		t.Fatalf("unexpected readiness: %d %v", rec.Code, report)
	}
}

func TestRouteLabelUsesTemplate(t *testing.T) {
	r := mux.NewRouter()
	var got string
	r.HandleFunc("/v1/campaigns/{id}", func(w http.ResponseWriter, req *http.Request) {
		got = routeLabel(req)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/campaigns/cmp_1", nil))
	if got != "/v1/campaigns/{id}" {
		t.Fatalf("unexpected label %q", got)
	}
}
