package httpx

import "github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"

type TriggerRequest struct {
	DocumentID string `json:"document_id"`
	FarmerID   string `json:"farmer_id"`
	Channel    string `json:"channel,omitempty"`
}

type SagaResponse struct {
	SagaID       string                      `json:"saga_id"`
	Phase        string                      `json:"phase"`
	AttemptCount int                         `json:"attempt_count"`
	Result       *checkpoint.DiagnosisResult `json:"result,omitempty"`
	LastError    string                      `json:"last_error,omitempty"`
	CreatedAt    string                      `json:"created_at"`
	UpdatedAt    string                      `json:"updated_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
