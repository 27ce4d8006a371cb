package domain

import "time"

// Variant selects the request shape and the workflow that serves it.
type Variant string

const (
	VariantCall  Variant = "call"
	VariantInfo  Variant = "inf"
	VariantStock Variant = "stock"
)

// StepName names one upstream action of a workflow run.
type StepName string

const (
	StepCreate  StepName = "create"
	StepLock    StepName = "lock"
	StepAttach  StepName = "attach"
	StepUnlock  StepName = "unlock"
	StepSubmit  StepName = "submit"
	StepReverse StepName = "reverse"
)

// FileHandle points at a locally staged upload.
type FileHandle struct {
	ID          string
	Path        string
	FileName    string
	ContentType string
	Size        int64
}

// TicketRequest is a validated inbound request. It is built once by the
// router and only read afterwards.
type TicketRequest struct {
	Variant    Variant
	fields     map[string]string
	Attachment *FileHandle
	// AttachmentErr is set when a file was uploaded but could not be staged.
	AttachmentErr error
}

// NewTicketRequest copies fields so later mutation of the source map has no
// effect on the request.
func NewTicketRequest(variant Variant, fields map[string]string, attachment *FileHandle) *TicketRequest {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &TicketRequest{Variant: variant, fields: copied, Attachment: attachment}
}

// WithAttachment returns a copy of r carrying file.
func (r *TicketRequest) WithAttachment(file *FileHandle) *TicketRequest {
	copied := *r
	copied.Attachment = file
	copied.AttachmentErr = nil
	return &copied
}

// WithAttachmentError returns a copy of r whose upload failed with err.
func (r *TicketRequest) WithAttachmentError(err error) *TicketRequest {
	copied := *r
	copied.Attachment = nil
	copied.AttachmentErr = err
	return &copied
}

// Field returns a named field value.
func (r *TicketRequest) Field(name string) string {
	return r.fields[name]
}

// Fields returns a copy of all field values.
func (r *TicketRequest) Fields() map[string]string {
	copied := make(map[string]string, len(r.fields))
	for k, v := range r.fields {
		copied[k] = v
	}
	return copied
}

// WorkflowStep records the outcome of one step.
type WorkflowStep struct {
	Name      StepName
	Attempted bool
	Succeeded bool
	Err       error
	Duration  time.Duration
}

// TicketResult is produced once create has succeeded. Later failures are
// kept in Steps and never clear Reference.
type TicketResult struct {
	Reference string
	Variant   Variant
	Steps     []WorkflowStep
}

// Step returns the recorded step with the given name.
func (r *TicketResult) Step(name StepName) (WorkflowStep, bool) {
	for _, step := range r.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return WorkflowStep{}, false
}

// Submitted reports whether the submit step succeeded.
func (r *TicketResult) Submitted() bool {
	step, ok := r.Step(StepSubmit)
	return ok && step.Succeeded
}
