package dto

import (
	"github.com/spec-kit/ticket-gateway/internal/domain"
)

// TokenResponse is returned by GET /get-token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
}

// StepResult is one entry of the workflow trace.
type StepResult struct {
	Name       domain.StepName `json:"name"`
	Attempted  bool            `json:"attempted"`
	Succeeded  bool            `json:"succeeded"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// MakeCallResponse is returned by POST /make-call once the ticket exists
// upstream.
type MakeCallResponse struct {
	Message          string         `json:"message"`
	CallRef          string         `json:"callRef"`
	CodeType         domain.Variant `json:"codeType"`
	Submitted        bool           `json:"submitted"`
	FollowUpRequired bool           `json:"followUpRequired,omitempty"`
	Error            string         `json:"error,omitempty"`
	Steps            []StepResult   `json:"steps"`
}

// NewMakeCallResponse summarises a workflow result.
func NewMakeCallResponse(result *domain.TicketResult) MakeCallResponse {
	resp := MakeCallResponse{
		CallRef:   result.Reference,
		CodeType:  result.Variant,
		Submitted: result.Submitted(),
		Steps:     make([]StepResult, 0, len(result.Steps)),
	}
	for _, step := range result.Steps {
		item := StepResult{
			Name:       step.Name,
			Attempted:  step.Attempted,
			Succeeded:  step.Succeeded,
			DurationMS: step.Duration.Milliseconds(),
		}
		if step.Err != nil {
			item.Error = step.Err.Error()
		}
		resp.Steps = append(resp.Steps, item)
	}

	if resp.Submitted {
		resp.Message = "Ticket created and submitted successfully"
		return resp
	}
	resp.Message = "Ticket created but not submitted"
	resp.FollowUpRequired = true
	resp.Error = "submit failed"
	if step, ok := result.Step(domain.StepSubmit); ok && step.Err != nil {
		resp.Error = "submit failed: " + step.Err.Error()
	}
	return resp
}
