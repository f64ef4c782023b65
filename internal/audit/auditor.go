// Package audit turns domain events into ledger transactions.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/smarthealth/auditchain/internal/chain"
	"github.com/smarthealth/auditchain/internal/hash"
)

// Recorder is the part of the ledger the auditor writes to and reads from.
type Recorder interface {
	AddTransaction(ctx context.Context, payload chain.Payload) (string, error)
	PatientAuditTrail(ctx context.Context, patientID string) ([]*chain.Block, error)
}

type Auditor struct {
	ledger Recorder
	now    func() time.Time
}

func New(ledger Recorder) *Auditor {
	return &Auditor{
		ledger: ledger,
		now:    time.Now,
	}
}

// ConsentEvent is one entry of a patient's consent log.
type ConsentEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	Action      chain.ActionType       `json:"action"`
	PerformedBy string                 `json:"performed_by"`
	Details     map[string]interface{} `json:"details"`
	BlockHash   string                 `json:"block_hash"`
}

func (a *Auditor) timestamp() string {
	return a.now().UTC().Format(chain.TimestampLayout)
}

// LogDataAccess records a read, write or delete of patient data.
func (a *Auditor) LogDataAccess(ctx context.Context, patientID, accessedBy, accessType, dataType string, extra map[string]interface{}) (string, error) {
	if extra == nil {
		extra = map[string]interface{}{}
	}

	return a.ledger.AddTransaction(ctx, chain.DataAccessPayload{
		PatientID:      patientID,
		AccessedBy:     accessedBy,
		AccessType:     accessType,
		DataType:       dataType,
		Timestamp:      a.timestamp(),
		AdditionalInfo: extra,
	})
}

// LogDataModification records a field change. Old and new values are stored
// in their string form; nil stays null.
func (a *Auditor) LogDataModification(ctx context.Context, patientID, modifiedBy, modificationType, fieldChanged string, oldValue, newValue interface{}) (string, error) {
	return a.ledger.AddTransaction(ctx, chain.DataModificationPayload{
		PatientID:        patientID,
		ModifiedBy:       modifiedBy,
		ModificationType: modificationType,
		FieldChanged:     fieldChanged,
		OldValue:         stringify(oldValue),
		NewValue:         stringify(newValue),
		Timestamp:        a.timestamp(),
	})
}

func (a *Auditor) LogConsultationEvent(ctx context.Context, consultationID, patientID, doctorID, eventType string, details map[string]interface{}) (string, error) {
	if details == nil {
		details = map[string]interface{}{}
	}

	return a.ledger.AddTransaction(ctx, chain.ConsultationEventPayload{
		ConsultationID: consultationID,
		PatientID:      patientID,
		DoctorID:       doctorID,
		EventType:      eventType,
		Details:        details,
		Timestamp:      a.timestamp(),
	})
}

// LogAIInteraction records a model interaction. Only the SHA-256 digests of
// inputData and outputData reach the ledger.
func (a *Auditor) LogAIInteraction(ctx context.Context, patientID, interactionType, aiModel, inputData, outputData string, confidence *float64) (string, error) {
	return a.ledger.AddTransaction(ctx, chain.AIInteractionPayload{
		PatientID:       patientID,
		InteractionType: interactionType,
		AIModel:         aiModel,
		InputDataHash:   hash.CalculateString(inputData),
		OutputDataHash:  hash.CalculateString(outputData),
		ConfidenceScore: confidence,
		Timestamp:       a.timestamp(),
	})
}

// PatientConsentLog returns the access, modification and consultation
// entries of the patient's trail, newest first.
func (a *Auditor) PatientConsentLog(ctx context.Context, patientID string) ([]ConsentEvent, error) {
	trail, err := a.ledger.PatientAuditTrail(ctx, patientID)
	if err != nil {
		return nil, err
	}

	events := []ConsentEvent{}
	for _, b := range trail {
		action := b.ActionType()
		switch action {
		case chain.ActionDataAccess, chain.ActionDataModification, chain.ActionConsultationEvent:
		default:
			continue
		}

		events = append(events, ConsentEvent{
			Timestamp:   b.Timestamp,
			Action:      action,
			PerformedBy: performedBy(b.Data),
			Details:     b.Data,
			BlockHash:   b.Hash,
		})
	}

	return events, nil
}

func performedBy(data map[string]interface{}) string {
	for _, key := range []string{"accessed_by", "modified_by", "doctor_id"} {
		if s, ok := data[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringify(v interface{}) *string {
	if v == nil {
		return nil
	}
	s := fmt.Sprint(v)
	return &s
}

// BestEffort runs an audit call whose failure must not abort the surrounding
// operation. The error is logged and dropped; the block hash is returned on success.
func BestEffort(logger zerolog.Logger, event string, fn func() (string, error)) string {
	h, err := fn()
	if err != nil {
		logger.Warn().Err(err).Str("event", event).Msg("audit logging failed")
		return ""
	}
	return h
}
