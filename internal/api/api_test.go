package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/booking"
	"github.com/BTreeMap/CourtPipe/internal/messaging"
	"github.com/BTreeMap/CourtPipe/internal/models"
	"github.com/BTreeMap/CourtPipe/internal/store"
	"github.com/BTreeMap/CourtPipe/internal/twiliowhatsapp"
)

var testNow = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, opts ...Option) (*Server, *booking.Manager) {
	t.Helper()
	mgr := booking.NewManager(store.NewInMemoryStore(), booking.WithClock(func() time.Time { return testNow }))
	return NewServer(mgr, opts...), mgr
}

func do(t *testing.T, s *Server, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", rr.Body.String(), err)
	}
	return out
}

func assertHTTPStatus(t *testing.T, want, got int, ctx string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: expected status %d, got %d", ctx, want, got)
	}
}

func hold(t *testing.T, mgr *booking.Manager, slot string) models.PendingReservation {
	t.Helper()
	p, err := mgr.CreatePending(context.Background(), booking.PendingRequest{
		CustomerKey:    "+966500000001",
		ActivityClass:  models.ActivityClassCourts,
		ActivityTypeID: "football",
		Slot:           models.Slot{Date: "2026-10-19", Time: slot},
		TotalPrice:     200,
	})
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	return p
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, WithHealthCheck("ledger", func(context.Context) error { return nil }))
	rr := do(t, s, http.MethodGet, "/health", "")
	assertHTTPStatus(t, http.StatusOK, rr.Code, "healthy")
	if got := decode(t, rr)["status"]; got != "ok" {
		t.Errorf("status = %v", got)
	}

	s, _ = newTestServer(t, WithHealthCheck("ledger", func(context.Context) error { return errors.New("down") }))
	rr = do(t, s, http.MethodGet, "/health", "")
	assertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "unhealthy")
	body := decode(t, rr)
	if body["status"] != "error" {
		t.Errorf("status = %v", body["status"])
	}
	if result, _ := body["result"].(map[string]any); result["ledger"] != "down" {
		t.Errorf("result = %v", body["result"])
	}
}

func TestPendingAndStats(t *testing.T) {
	s, mgr := newTestServer(t)

	rr := do(t, s, http.MethodGet, "/api/pending", "")
	assertHTTPStatus(t, http.StatusOK, rr.Code, "empty pending")
	if result, ok := decode(t, rr)["result"].([]any); !ok || len(result) != 0 {
		t.Errorf("empty pending result = %v", decode(t, rr)["result"])
	}

	p := hold(t, mgr, "10:00")
	rr = do(t, s, http.MethodGet, "/api/pending", "")
	result, _ := decode(t, rr)["result"].([]any)
	if len(result) != 1 {
		t.Fatalf("pending result = %v", result)
	}
	if ref := result[0].(map[string]any)["reference"]; ref != p.Reference {
		t.Errorf("reference = %v, want %s", ref, p.Reference)
	}

	rr = do(t, s, http.MethodGet, "/api/stats", "")
	assertHTTPStatus(t, http.StatusOK, rr.Code, "stats")
	stats, _ := decode(t, rr)["result"].(map[string]any)
	if stats["pending"] != float64(1) || stats["today"] != float64(1) {
		t.Errorf("stats = %v", stats)
	}
}

func TestBookingLookup(t *testing.T) {
	s, mgr := newTestServer(t)
	p := hold(t, mgr, "10:00")

	rr := do(t, s, http.MethodGet, "/api/bookings/"+strings.ToLower(p.Reference), "")
	assertHTTPStatus(t, http.StatusOK, rr.Code, "pending lookup")
	rec, _ := decode(t, rr)["result"].(map[string]any)
	if _, ok := rec["pending"]; !ok {
		t.Errorf("pending lookup result = %v", rec)
	}

	if _, _, err := mgr.Confirm(context.Background(), p.Reference, "staff"); err != nil {
		t.Fatal(err)
	}
	rr = do(t, s, http.MethodGet, "/api/bookings/"+p.Reference, "")
	rec, _ = decode(t, rr)["result"].(map[string]any)
	confirmed, ok := rec["confirmed"].(map[string]any)
	if !ok || confirmed["reference"] != p.Reference || confirmed["confirmed_by"] != "staff" {
		t.Errorf("confirmed lookup result = %v", rec)
	}

	rr = do(t, s, http.MethodGet, "/api/bookings/BK000X", "")
	assertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown reference")
	if msg := decode(t, rr)["message"]; msg != "reference not found" {
		t.Errorf("message = %v", msg)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	s, _ := newTestServer(t)
	assertHTTPStatus(t, http.StatusNotFound, do(t, s, http.MethodGet, "/nope", "").Code, "unknown route")
	assertHTTPStatus(t, http.StatusMethodNotAllowed, do(t, s, http.MethodPost, "/api/stats", "x=1").Code, "wrong method")
	// Without a Twilio service the webhook is not mounted.
	assertHTTPStatus(t, http.StatusNotFound, do(t, s, http.MethodPost, "/webhook/twilio", "From=x").Code, "webhook unmounted")
}

func TestTwilioWebhookRoute(t *testing.T) {
	svc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	defer svc.Stop()
	s, _ := newTestServer(t, WithTwilioWebhook(svc.TwilioWebhookHandler))

	form := url.Values{"From": {"whatsapp:+966512345678"}, "Body": {"hi"}, "MessageSid": {"SM1"}}
	rr := do(t, s, http.MethodPost, "/webhook/twilio", form.Encode())
	assertHTTPStatus(t, http.StatusOK, rr.Code, "webhook")

	select {
	case msg := <-svc.Messages():
		if msg.From != "+966512345678" || msg.ID != "SM1" {
			t.Errorf("message = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook message not forwarded")
	}
}

func TestWriteJSONResponseFallback(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, map[string]any{"bad": make(chan int)})
	assertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "unencodable response")
	if got := decode(t, rr)["status"]; got != "error" {
		t.Errorf("status = %v", got)
	}
}
