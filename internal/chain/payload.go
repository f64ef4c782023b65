package chain

import (
	"encoding/json"
	"fmt"
)

// ActionType tags the variant of a transaction payload.
type ActionType string

const (
	ActionGenesis           ActionType = "genesis"
	ActionDataAccess        ActionType = "data_access"
	ActionDataModification  ActionType = "data_modification"
	ActionConsultationEvent ActionType = "consultation_event"
	ActionAIInteraction     ActionType = "ai_interaction"
)

const (
	fieldActionType = "action_type"
	fieldPatientID  = "patient_id"
)

// Payload is the domain event recorded inside a block. The set of
// implementations is closed; each one maps to a single ActionType.
type Payload interface {
	ActionType() ActionType
	isPayload()
}

// GenesisPayload is the payload of block 0.
type GenesisPayload struct {
	Message   string `json:"message"`
	CreatedBy string `json:"created_by"`
}

// DataAccessPayload records a read, write or delete of patient data.
type DataAccessPayload struct {
	PatientID      string                 `json:"patient_id"`
	AccessedBy     string                 `json:"accessed_by"`
	AccessType     string                 `json:"access_type"`
	DataType       string                 `json:"data_type"`
	Timestamp      string                 `json:"timestamp"`
	AdditionalInfo map[string]interface{} `json:"additional_info"`
}

// DataModificationPayload records a change of one field of patient data.
// Values are kept as strings so the payload stays JSON-serializable.
type DataModificationPayload struct {
	PatientID        string  `json:"patient_id"`
	ModifiedBy       string  `json:"modified_by"`
	ModificationType string  `json:"modification_type"`
	FieldChanged     string  `json:"field_changed"`
	OldValue         *string `json:"old_value"`
	NewValue         *string `json:"new_value"`
	Timestamp        string  `json:"timestamp"`
}

// ConsultationEventPayload records a consultation lifecycle event.
type ConsultationEventPayload struct {
	ConsultationID string                 `json:"consultation_id"`
	PatientID      string                 `json:"patient_id"`
	DoctorID       string                 `json:"doctor_id"`
	EventType      string                 `json:"event_type"`
	Details        map[string]interface{} `json:"details"`
	Timestamp      string                 `json:"timestamp"`
}

// AIInteractionPayload records a model interaction. Only digests of the
// input and output text are kept.
type AIInteractionPayload struct {
	PatientID       string   `json:"patient_id"`
	InteractionType string   `json:"interaction_type"`
	AIModel         string   `json:"ai_model"`
	InputDataHash   string   `json:"input_data_hash"`
	OutputDataHash  string   `json:"output_data_hash"`
	ConfidenceScore *float64 `json:"confidence_score"`
	Timestamp       string   `json:"timestamp"`
}

func (GenesisPayload) ActionType() ActionType           { return ActionGenesis }
func (DataAccessPayload) ActionType() ActionType        { return ActionDataAccess }
func (DataModificationPayload) ActionType() ActionType  { return ActionDataModification }
func (ConsultationEventPayload) ActionType() ActionType { return ActionConsultationEvent }
func (AIInteractionPayload) ActionType() ActionType     { return ActionAIInteraction }

func (GenesisPayload) isPayload()           {}
func (DataAccessPayload) isPayload()        {}
func (DataModificationPayload) isPayload()  {}
func (ConsultationEventPayload) isPayload() {}
func (AIInteractionPayload) isPayload()     {}

// EncodePayload converts a payload into the generic document stored in a block,
// tagged with its action_type.
func EncodePayload(p Payload) (map[string]interface{}, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is nil")
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.ActionType(), err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", p.ActionType(), err)
	}
	doc[fieldActionType] = string(p.ActionType())

	return doc, nil
}

// DecodePayload converts a stored document back into its typed payload.
func DecodePayload(doc map[string]interface{}) (Payload, error) {
	tag, _ := doc[fieldActionType].(string)

	var p Payload
	switch ActionType(tag) {
	case ActionGenesis:
		p = &GenesisPayload{}
	case ActionDataAccess:
		p = &DataAccessPayload{}
	case ActionDataModification:
		p = &DataModificationPayload{}
	case ActionConsultationEvent:
		p = &ConsultationEventPayload{}
	case ActionAIInteraction:
		p = &AIInteractionPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, tag)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s document: %w", tag, err)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", tag, err)
	}

	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *GenesisPayload:
		return *v
	case *DataAccessPayload:
		return *v
	case *DataModificationPayload:
		return *v
	case *ConsultationEventPayload:
		return *v
	case *AIInteractionPayload:
		return *v
	}
	return p
}

// KnownActions lists the action types a block can carry, genesis first.
func KnownActions() []ActionType {
	return []ActionType{
		ActionGenesis,
		ActionDataAccess,
		ActionDataModification,
		ActionConsultationEvent,
		ActionAIInteraction,
	}
}
