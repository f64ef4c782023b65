package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/smarthealth/auditchain/internal/chain"
	"github.com/smarthealth/auditchain/internal/ledger"
	"github.com/smarthealth/auditchain/internal/storage"
)

func newTestAuditor(t *testing.T) (*Auditor, *ledger.Ledger) {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "auditchain-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	store, err := storage.NewBoltStore(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close(context.Background()) })

	l := ledger.New(store, ledger.Config{Difficulty: 1, MiningTimeout: 10 * time.Second}, zerolog.Nop())
	return New(l), l
}

func TestLogDataAccessTrail(t *testing.T) {
	ctx := context.Background()
	a, l := newTestAuditor(t)

	for _, by := range []string{"D1", "D2", "D3"} {
		if _, err := a.LogDataAccess(ctx, "P1", by, "read", "medical_record", nil); err != nil {
			t.Fatalf("LogDataAccess failed: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	trail, err := l.PatientAuditTrail(ctx, "P1")
	if err != nil {
		t.Fatalf("PatientAuditTrail failed: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(trail))
	}

	for i, b := range trail {
		if b.ActionType() != chain.ActionDataAccess {
			t.Errorf("Entry %d: expected data_access, got %s", i, b.ActionType())
		}
		if i > 0 && trail[i-1].Timestamp.Before(b.Timestamp) {
			t.Errorf("Entry %d is newer than entry %d", i, i-1)
		}
	}
	if trail[0].Data["accessed_by"] != "D3" {
		t.Errorf("Expected newest entry from D3, got %v", trail[0].Data["accessed_by"])
	}

	p, err := trail[0].Payload()
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	access, ok := p.(chain.DataAccessPayload)
	if !ok {
		t.Fatalf("Expected DataAccessPayload, got %T", p)
	}
	if access.AccessType != "read" || access.DataType != "medical_record" {
		t.Errorf("Unexpected payload: %+v", access)
	}
	if _, err := time.Parse(chain.TimestampLayout, access.Timestamp); err != nil {
		t.Errorf("Payload timestamp %q not ISO-8601: %v", access.Timestamp, err)
	}
	if access.AdditionalInfo == nil {
		t.Error("Expected empty additional_info, got nil")
	}
}

func TestLogAIInteractionStoresDigestsOnly(t *testing.T) {
	ctx := context.Background()
	a, l := newTestAuditor(t)

	score := 0.9
	h, err := a.LogAIInteraction(ctx, "P2", "chat", "health-llm", "hello", "world", &score)
	if err != nil {
		t.Fatalf("LogAIInteraction failed: %v", err)
	}

	latest, err := l.LatestBlock(ctx)
	if err != nil {
		t.Fatalf("LatestBlock failed: %v", err)
	}
	if latest.Hash != h {
		t.Fatalf("Expected latest block %s, got %s", h, latest.Hash)
	}

	if latest.Data["input_data_hash"] != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("Unexpected input hash: %v", latest.Data["input_data_hash"])
	}
	if latest.Data["output_data_hash"] != "486ea46224d1bb4fb680f34f7c9ad96a8f24ec88be73ea8e5a6c65260e9cb8a7" {
		t.Errorf("Unexpected output hash: %v", latest.Data["output_data_hash"])
	}
	if latest.Data["confidence_score"] != 0.9 {
		t.Errorf("Expected confidence 0.9, got %v", latest.Data["confidence_score"])
	}

	raw, err := json.Marshal(latest.Data)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte(`"hello"`)) || bytes.Contains(raw, []byte(`"world"`)) {
		t.Errorf("Plaintext leaked into payload: %s", raw)
	}
}

func TestLogAIInteractionWithoutConfidence(t *testing.T) {
	ctx := context.Background()
	a, l := newTestAuditor(t)

	if _, err := a.LogAIInteraction(ctx, "P2", "health_assessment", "risk-v1", "in", "out", nil); err != nil {
		t.Fatalf("LogAIInteraction failed: %v", err)
	}

	latest, _ := l.LatestBlock(ctx)
	v, ok := latest.Data["confidence_score"]
	if !ok || v != nil {
		t.Errorf("Expected null confidence_score, got %v (present=%v)", v, ok)
	}
}

func TestLogDataModificationStringifies(t *testing.T) {
	ctx := context.Background()
	a, l := newTestAuditor(t)

	if _, err := a.LogDataModification(ctx, "P1", "D1", "update", "weight", 72.5, 70); err != nil {
		t.Fatalf("LogDataModification failed: %v", err)
	}
	latest, _ := l.LatestBlock(ctx)
	if latest.Data["old_value"] != "72.5" || latest.Data["new_value"] != "70" {
		t.Errorf("Expected stringified values, got %v / %v", latest.Data["old_value"], latest.Data["new_value"])
	}

	if _, err := a.LogDataModification(ctx, "P1", "D1", "create", "allergies", nil, []string{"peanuts"}); err != nil {
		t.Fatalf("LogDataModification failed: %v", err)
	}
	latest, _ = l.LatestBlock(ctx)
	if v, ok := latest.Data["old_value"]; !ok || v != nil {
		t.Errorf("Expected null old_value, got %v", v)
	}
	if latest.Data["new_value"] != "[peanuts]" {
		t.Errorf("Expected stringified slice, got %v", latest.Data["new_value"])
	}
}

func TestPatientConsentLog(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuditor(t)

	steps := []func() (string, error){
		func() (string, error) { return a.LogDataAccess(ctx, "P1", "D1", "read", "profile", nil) },
		func() (string, error) { return a.LogDataModification(ctx, "P1", "N1", "update", "phone", "1", "2") },
		func() (string, error) {
			return a.LogConsultationEvent(ctx, "C1", "P1", "D2", "created", map[string]interface{}{"mode": "video"})
		},
		func() (string, error) { return a.LogAIInteraction(ctx, "P1", "chat", "llm", "q", "a", nil) },
		func() (string, error) { return a.LogDataAccess(ctx, "P2", "D1", "read", "profile", nil) },
	}
	hashes := make([]string, len(steps))
	for i, step := range steps {
		h, err := step()
		if err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
		hashes[i] = h
		time.Sleep(2 * time.Millisecond)
	}

	events, err := a.PatientConsentLog(ctx, "P1")
	if err != nil {
		t.Fatalf("PatientConsentLog failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 consent events, got %d", len(events))
	}

	want := []struct {
		action chain.ActionType
		by     string
		hash   string
	}{
		{chain.ActionConsultationEvent, "D2", hashes[2]},
		{chain.ActionDataModification, "N1", hashes[1]},
		{chain.ActionDataAccess, "D1", hashes[0]},
	}
	for i, w := range want {
		if events[i].Action != w.action || events[i].PerformedBy != w.by || events[i].BlockHash != w.hash {
			t.Errorf("Event %d: expected %s by %s (%s), got %+v", i, w.action, w.by, w.hash, events[i])
		}
	}
	if events[0].Details["consultation_id"] != "C1" {
		t.Errorf("Expected details to carry the payload, got %v", events[0].Details)
	}

	none, err := a.PatientConsentLog(ctx, "nobody")
	if err != nil {
		t.Fatalf("PatientConsentLog failed: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("Expected empty non-nil log, got %v", none)
	}
}

func TestBestEffort(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	h := BestEffort(logger, "profile_read", func() (string, error) {
		return "", errors.New("storage unavailable")
	})
	if h != "" {
		t.Errorf("Expected empty hash on failure, got %s", h)
	}
	if !strings.Contains(buf.String(), "storage unavailable") || !strings.Contains(buf.String(), "profile_read") {
		t.Errorf("Expected failure to be logged, got %s", buf.String())
	}

	buf.Reset()
	h = BestEffort(logger, "profile_read", func() (string, error) { return "abc", nil })
	if h != "abc" {
		t.Errorf("Expected hash abc, got %s", h)
	}
	if buf.Len() != 0 {
		t.Errorf("Expected nothing logged on success, got %s", buf.String())
	}
}
