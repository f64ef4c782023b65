package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/smarthealth/auditchain/internal/auth"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	RequestID()(handler)(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/blockchain/stats", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-1")

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
	if err := Logger(logger)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"request_id":"req-1"`, `"status":200`, `"path":"/api/v1/blockchain/stats"`, `"level":"info"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in log, got %s", want, out)
		}
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic("boom")
	}

	err := Recovery(logger)(handler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("expected panic value in log, got %s", buf.String())
	}
}

type recordedAccess struct {
	ctx        context.Context
	patientID  string
	accessedBy string
	accessType string
	dataType   string
	extra      map[string]interface{}
}

type mockRecorder struct {
	calls []recordedAccess
	err   error
}

func (m *mockRecorder) LogDataAccess(ctx context.Context, patientID, accessedBy, accessType, dataType string, extra map[string]interface{}) (string, error) {
	m.calls = append(m.calls, recordedAccess{ctx, patientID, accessedBy, accessType, dataType, extra})
	return "hash", m.err
}

func newAuditContext(userID string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/blockchain/audit-trail/P1", nil)
	req = req.WithContext(auth.WithUser(req.Context(), userID, []string{auth.RoleDoctor}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/blockchain/audit-trail/:patient_id")
	c.SetParamNames("patient_id")
	c.SetParamValues("P1")
	c.Set("request_id", "req-9")
	return c, rec
}

func TestAccessAudit_RecordsRead(t *testing.T) {
	recorder := &mockRecorder{}
	c, _ := newAuditContext("D1")

	handler := func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"ok": "yes"})
	}
	if err := AccessAudit(recorder, zerolog.Nop())(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(recorder.calls) != 1 {
		t.Fatalf("expected 1 recorded access, got %d", len(recorder.calls))
	}
	got := recorder.calls[0]
	if got.patientID != "P1" || got.accessedBy != "D1" || got.accessType != "read" || got.dataType != "audit_trail" {
		t.Errorf("unexpected access record: %+v", got)
	}
	if got.extra["request_id"] != "req-9" {
		t.Errorf("expected request id in extra, got %v", got.extra)
	}
}

func TestAccessAudit_SkipsFailedRequests(t *testing.T) {
	recorder := &mockRecorder{}
	c, _ := newAuditContext("P2")

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "nope")
	}
	err := AccessAudit(recorder, zerolog.Nop())(handler)(c)
	if err == nil {
		t.Fatal("expected handler error to pass through")
	}
	if len(recorder.calls) != 0 {
		t.Errorf("expected no access recorded, got %d", len(recorder.calls))
	}
}

func TestAccessAudit_LedgerFailureDoesNotFailRequest(t *testing.T) {
	var buf bytes.Buffer
	recorder := &mockRecorder{err: errors.New("ledger down")}
	c, rec := newAuditContext("D1")

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
	if err := AccessAudit(recorder, zerolog.New(&buf))(handler)(c); err != nil {
		t.Fatalf("audit failure leaked into response: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "ledger down") {
		t.Errorf("expected failure to be logged, got %s", buf.String())
	}
}

func TestDataTypeFromRoute(t *testing.T) {
	tests := map[string]string{
		"/api/v1/blockchain/audit-trail/:patient_id":        "audit_trail",
		"/api/v1/blockchain/consent-log/:patient_id":        "consent_log",
		"/api/v1/blockchain/data-access-report/:patient_id": "data_access_report",
	}
	for route, want := range tests {
		if got := dataTypeFromRoute(route); got != want {
			t.Errorf("dataTypeFromRoute(%q) = %q, want %q", route, got, want)
		}
	}
}
