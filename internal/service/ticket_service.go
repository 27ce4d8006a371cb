package service

import (
	"context"
	"html"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-gateway/internal/domain"
	"github.com/spec-kit/ticket-gateway/internal/events"
	"github.com/spec-kit/ticket-gateway/internal/observability"
	"github.com/spec-kit/ticket-gateway/internal/upstream"
	apperrors "github.com/spec-kit/ticket-gateway/pkg/util/errorutil"
)

const (
	resourceCall       = "call"
	resourceAllocation = "inventory-allocation"

	// reversalTransactionStatus triggers a compensating allocation.
	reversalTransactionStatus = 4
	reversedStatus            = 2
)

// Upstream performs authenticated ticketing API calls.
type Upstream interface {
	Do(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// AttachmentReleaser removes staged uploads.
type AttachmentReleaser interface {
	Release(handle *domain.FileHandle)
}

// TicketService runs the per-variant submission workflows.
type TicketService struct {
	upstream   Upstream
	staging    AttachmentReleaser
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	personID   int
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	Upstream   Upstream
	Staging    AttachmentReleaser
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	// PersonID is the upstream person recorded as requester.
	PersonID int
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketService{
		upstream:   deps.Upstream,
		staging:    deps.Staging,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     logger,
		personID:   deps.PersonID,
	}
}

// Submit runs the workflow for req. A failed create returns an error and no
// result. Once create succeeds a result is always returned and later failures
// only appear in its step trace. Any staged attachment is released before
// Submit returns.
func (s *TicketService) Submit(ctx context.Context, req *domain.TicketRequest) (*domain.TicketResult, error) {
	defer s.release(req.Attachment)

	run := &workflowRun{
		svc:    s,
		ctx:    ctx,
		result: &domain.TicketResult{Variant: req.Variant},
		logger: s.logger.With(
			zap.String("variant", string(req.Variant)),
			zap.String("request_id", observability.RequestIDFromContext(ctx))),
	}

	var err error
	switch req.Variant {
	case domain.VariantCall:
		err = s.runCall(run, req)
	case domain.VariantInfo:
		err = s.runInfo(run, req)
	case domain.VariantStock:
		err = s.runStock(run, req)
	default:
		err = apperrors.NewValidationError("unsupported variant", map[string]any{"codeType": string(req.Variant)})
	}
	if err != nil {
		return nil, err
	}

	s.finish(ctx, run)
	return run.result, nil
}

// runCall is create then submit.
func (s *TicketService) runCall(run *workflowRun, req *domain.TicketRequest) error {
	payload := s.callPayload(req)
	ciID := intField(req, FieldConfigurationItemID)
	payload.ConfigurationItemID = &ciID
	if err := run.create(resourceCall, payload); err != nil {
		return err
	}
	run.submit(resourceCall)
	return nil
}

// runInfo is create, then lock/attach/unlock when a file was supplied, then
// submit. Attachment trouble never stops submit.
func (s *TicketService) runInfo(run *workflowRun, req *domain.TicketRequest) error {
	payload := s.callPayload(req)
	payload.Location = intField(req, FieldLocation)
	if err := run.create(resourceCall, payload); err != nil {
		return err
	}

	switch {
	case req.AttachmentErr != nil:
		s.attachFailed(run, req.AttachmentErr)
	case req.Attachment != nil:
		s.attach(run, req.Attachment)
	}

	run.submit(resourceCall)
	return nil
}

func (s *TicketService) attach(run *workflowRun, file *domain.FileHandle) {
	ref := url.PathEscape(run.result.Reference)

	locked := run.step(domain.StepLock, upstream.Request{
		Op:             "call.lock",
		Method:         http.MethodPut,
		Path:           resourceCall + "/" + ref + "/lock",
		RetryTransient: true,
	})
	if !locked {
		run.skip(domain.StepAttach)
		run.skip(domain.StepUnlock)
		s.release(file)
		s.publishStepFailure(run, events.EventAttachmentFailed, domain.StepLock)
		return
	}

	attached := run.step(domain.StepAttach, upstream.Request{
		Op:        "call.attach",
		Method:    http.MethodPost,
		Path:      resourceCall + "/" + ref + "/attachments",
		File:      file,
		FileField: "file",
	})
	s.release(file)
	if !attached {
		s.publishStepFailure(run, events.EventAttachmentFailed, domain.StepAttach)
	}

	// The upstream lock expires on its own, so unlock is tried once.
	run.step(domain.StepUnlock, upstream.Request{
		Op:     "call.unlock",
		Method: http.MethodPut,
		Path:   resourceCall + "/" + ref + "/unlock",
	})
}

// attachFailed records an upload that never reached staging. Nothing is
// locked, so only the attach step counts as attempted.
func (s *TicketService) attachFailed(run *workflowRun, err error) {
	if !apperrors.IsCode(err, apperrors.CodeAttachment) {
		err = apperrors.NewAttachmentError(err)
	}
	run.skip(domain.StepLock)
	run.record(domain.WorkflowStep{Name: domain.StepAttach, Attempted: true, Err: err})
	run.skip(domain.StepUnlock)
	s.publishStepFailure(run, events.EventAttachmentFailed, domain.StepAttach)
}

// runStock is create then submit of an inventory allocation, followed by a
// reversing allocation for transactions in reversal status.
func (s *TicketService) runStock(run *workflowRun, req *domain.TicketRequest) error {
	payload := domain.InventoryAllocationPayload{
		Person:            s.personID,
		Purchase:          intField(req, FieldPurchase),
		Quantity:          intField(req, FieldQuantity),
		TransactionStatus: intField(req, FieldTransactionStatus),
	}
	if err := run.create(resourceAllocation, payload); err != nil {
		return err
	}
	run.submit(resourceAllocation)

	if payload.TransactionStatus == reversalTransactionStatus {
		reverse := payload
		reverse.Quantity = -payload.Quantity
		reverse.TransactionStatus = reversedStatus
		run.step(domain.StepReverse, upstream.Request{
			Op:     "inventory-allocation.reverse",
			Method: http.MethodPost,
			Path:   resourceAllocation,
			JSON:   reverse,
		})
	}
	return nil
}

func (s *TicketService) callPayload(req *domain.TicketRequest) domain.CallPayload {
	description := req.Field(FieldDescription)
	return domain.CallPayload{
		Description:     description,
		DescriptionHTML: "<p>" + html.EscapeString(description) + "</p>",
		IpkStatus:       1,
		IpkStream:       0,
		Impact:          intField(req, FieldImpact),
		Urgency:         intField(req, FieldUrgency),
		ReceivingGroup:  intField(req, FieldReceivingGroup),
		Type:            intField(req, FieldType),
		CustomString1:   req.Field(FieldCustomString1),
		User:            s.personID,
	}
}

func (s *TicketService) finish(ctx context.Context, run *workflowRun) {
	result := run.result
	if result.Submitted() {
		names := make([]domain.StepName, 0, len(result.Steps))
		for _, step := range result.Steps {
			if step.Succeeded {
				names = append(names, step.Name)
			}
		}
		s.publishEvent(ctx, events.Event{
			Type:      events.EventTicketSubmitted,
			Reference: result.Reference,
			Variant:   result.Variant,
			Payload:   events.TicketSubmittedPayload{Steps: names},
		})
		run.logger.Info("ticket submitted", zap.String("ref", result.Reference))
		return
	}
	s.publishStepFailure(run, events.EventTicketSubmitFailed, domain.StepSubmit)
	run.logger.Warn("ticket created but not submitted", zap.String("ref", result.Reference))
}

func (s *TicketService) release(file *domain.FileHandle) {
	if file == nil || s.staging == nil {
		return
	}
	s.staging.Release(file)
}

func (s *TicketService) publishStepFailure(run *workflowRun, eventType events.EventType, name domain.StepName) {
	payload := events.StepFailedPayload{Step: name}
	if step, ok := run.result.Step(name); ok && step.Err != nil {
		payload.Error = step.Err.Error()
	}
	s.publishEvent(run.ctx, events.Event{
		Type:      eventType,
		Reference: run.result.Reference,
		Variant:   run.result.Variant,
		Payload:   payload,
	})
}

func (s *TicketService) publishEvent(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RequestID == "" {
		event.RequestID = observability.RequestIDFromContext(ctx)
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed", zap.String("event_type", string(event.Type)), zap.Error(err))
	}
}
