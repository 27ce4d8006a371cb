package service

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-gateway/internal/domain"
	"github.com/spec-kit/ticket-gateway/internal/events"
	"github.com/spec-kit/ticket-gateway/internal/upstream"
	apperrors "github.com/spec-kit/ticket-gateway/pkg/util/errorutil"
)

// workflowRun carries the trace of one Submit call. Steps run strictly in
// order; each is recorded before the next starts.
type workflowRun struct {
	svc    *TicketService
	ctx    context.Context
	result *domain.TicketResult
	logger *zap.Logger
}

// create posts payload and records the reference. It is not retried on
// transient failures because the upstream offers no idempotency key.
func (r *workflowRun) create(resource string, payload any) error {
	started := time.Now()
	resp, err := r.svc.upstream.Do(r.ctx, upstream.Request{
		Op:     resource + ".create",
		Method: http.MethodPost,
		Path:   resource,
		JSON:   payload,
	})
	if err == nil {
		var created domain.CreateResponse
		if decodeErr := resp.DecodeJSON(&created); decodeErr != nil {
			err = apperrors.NewDomainError(apperrors.CodeUpstream, "failed to parse create response",
				http.StatusInternalServerError, map[string]any{"upstream_status": resp.Status})
		} else if r.result.Reference = created.Reference(); r.result.Reference == "" {
			err = apperrors.NewDomainError(apperrors.CodeUpstream, "upstream returned no reference",
				http.StatusInternalServerError, map[string]any{"upstream_status": resp.Status})
		}
	}

	r.record(domain.WorkflowStep{
		Name:      domain.StepCreate,
		Attempted: true,
		Succeeded: err == nil,
		Err:       err,
		Duration:  time.Since(started),
	})
	if err != nil {
		return err
	}
	r.logger = r.logger.With(zap.String("ref", r.result.Reference))
	r.svc.publishEvent(r.ctx, events.Event{
		Type:      events.EventTicketCreated,
		Reference: r.result.Reference,
		Variant:   r.result.Variant,
	})
	return nil
}

// submit is attempted whenever create succeeded.
func (r *workflowRun) submit(resource string) bool {
	return r.step(domain.StepSubmit, upstream.Request{
		Op:             resource + ".submit",
		Method:         http.MethodPut,
		Path:           resource + "/" + url.PathEscape(r.result.Reference) + "/submit",
		RetryTransient: true,
	})
}

// step runs one upstream call and records its outcome.
func (r *workflowRun) step(name domain.StepName, req upstream.Request) bool {
	started := time.Now()
	_, err := r.svc.upstream.Do(r.ctx, req)
	if err != nil && name == domain.StepAttach && !apperrors.IsCode(err, apperrors.CodeAttachment) {
		err = apperrors.NewAttachmentError(err)
	}
	r.record(domain.WorkflowStep{
		Name:      name,
		Attempted: true,
		Succeeded: err == nil,
		Err:       err,
		Duration:  time.Since(started),
	})
	return err == nil
}

// skip records a step whose predecessor failed.
func (r *workflowRun) skip(name domain.StepName) {
	r.record(domain.WorkflowStep{Name: name})
}

func (r *workflowRun) record(step domain.WorkflowStep) {
	r.result.Steps = append(r.result.Steps, step)

	outcome := "ok"
	switch {
	case !step.Attempted:
		outcome = "skipped"
		r.logger.Info("workflow step skipped", zap.String("step", string(step.Name)))
	case !step.Succeeded:
		outcome = "failed"
		r.logger.Warn("workflow step failed",
			zap.String("step", string(step.Name)),
			zap.Duration("duration", step.Duration),
			zap.Error(step.Err))
	default:
		r.logger.Info("workflow step succeeded",
			zap.String("step", string(step.Name)),
			zap.Duration("duration", step.Duration))
	}
	r.svc.metrics.RecordStep(string(r.result.Variant), string(step.Name), outcome)
}
