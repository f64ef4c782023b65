package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/smarthealth/auditchain/internal/chain"
)

// EventRequest is the body of POST /events. Which fields are required
// depends on action_type.
type EventRequest struct {
	ActionType string `json:"action_type"`
	PatientID  string `json:"patient_id"`

	AccessedBy     string                 `json:"accessed_by"`
	AccessType     string                 `json:"access_type"`
	DataType       string                 `json:"data_type"`
	AdditionalInfo map[string]interface{} `json:"additional_info"`

	ModifiedBy       string      `json:"modified_by"`
	ModificationType string      `json:"modification_type"`
	FieldChanged     string      `json:"field_changed"`
	OldValue         interface{} `json:"old_value"`
	NewValue         interface{} `json:"new_value"`

	ConsultationID string                 `json:"consultation_id"`
	DoctorID       string                 `json:"doctor_id"`
	EventType      string                 `json:"event_type"`
	Details        map[string]interface{} `json:"details"`

	InteractionType string   `json:"interaction_type"`
	AIModel         string   `json:"ai_model"`
	InputData       string   `json:"input_data"`
	OutputData      string   `json:"output_data"`
	ConfidenceScore *float64 `json:"confidence_score"`
}

func (r *EventRequest) Validate() error {
	if r.PatientID == "" {
		return errors.New("patient_id is required")
	}

	switch chain.ActionType(r.ActionType) {
	case chain.ActionDataAccess:
		if r.AccessedBy == "" || r.AccessType == "" || r.DataType == "" {
			return errors.New("accessed_by, access_type and data_type are required")
		}
	case chain.ActionDataModification:
		if r.ModifiedBy == "" || r.ModificationType == "" || r.FieldChanged == "" {
			return errors.New("modified_by, modification_type and field_changed are required")
		}
	case chain.ActionConsultationEvent:
		if r.ConsultationID == "" || r.DoctorID == "" || r.EventType == "" {
			return errors.New("consultation_id, doctor_id and event_type are required")
		}
	case chain.ActionAIInteraction:
		if r.InteractionType == "" || r.AIModel == "" {
			return errors.New("interaction_type and ai_model are required")
		}
	default:
		return errors.New("unsupported action_type: " + r.ActionType)
	}
	return nil
}

// RecordEvent appends a domain event reported by another service.
func (h *Handler) RecordEvent(c echo.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()

	var (
		blockHash string
		err       error
	)
	switch chain.ActionType(req.ActionType) {
	case chain.ActionDataAccess:
		blockHash, err = h.auditor.LogDataAccess(ctx, req.PatientID, req.AccessedBy, req.AccessType, req.DataType, req.AdditionalInfo)
	case chain.ActionDataModification:
		blockHash, err = h.auditor.LogDataModification(ctx, req.PatientID, req.ModifiedBy, req.ModificationType, req.FieldChanged, req.OldValue, req.NewValue)
	case chain.ActionConsultationEvent:
		blockHash, err = h.auditor.LogConsultationEvent(ctx, req.ConsultationID, req.PatientID, req.DoctorID, req.EventType, req.Details)
	case chain.ActionAIInteraction:
		blockHash, err = h.auditor.LogAIInteraction(ctx, req.PatientID, req.InteractionType, req.AIModel, req.InputData, req.OutputData, req.ConfidenceScore)
	}
	if err != nil {
		return h.internalError(c, err, "Error recording event")
	}

	return c.JSON(http.StatusCreated, map[string]string{
		"action_type": req.ActionType,
		"block_hash":  blockHash,
	})
}
