package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-gateway/internal/config"
	"github.com/spec-kit/ticket-gateway/internal/events"
)

const webhookTimeout = 5 * time.Second

// NotificationService reports workflow events to logs and an optional webhook.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotificationConfig
	client     *http.Client
	// enqueue hands webhook delivery to a background worker when set.
	enqueue func(events.Event) bool
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		client:     &http.Client{Timeout: webhookTimeout},
	}
}

// UseQueue moves webhook delivery off the publishing goroutine.
func (n *NotificationService) UseQueue(enqueue func(events.Event) bool) {
	n.enqueue = enqueue
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventTicketCreated, n.handleTicketCreated)
	n.dispatcher.Subscribe(events.EventTicketSubmitted, n.handleTicketSubmitted)
	n.dispatcher.Subscribe(events.EventTicketSubmitFailed, n.handleSubmitFailed)
	n.dispatcher.Subscribe(events.EventAttachmentFailed, n.handleAttachmentFailed)
}

func (n *NotificationService) handleTicketCreated(ctx context.Context, event events.Event) error {
	n.logger.Info("TicketCreated", eventFields(event)...)
	return nil
}

func (n *NotificationService) handleTicketSubmitted(ctx context.Context, event events.Event) error {
	n.logger.Info("TicketSubmitted", eventFields(event)...)
	return n.sendWebhook(ctx, event)
}

// handleSubmitFailed flags tickets that exist upstream but still need an
// analyst to submit them.
func (n *NotificationService) handleSubmitFailed(ctx context.Context, event events.Event) error {
	n.logger.Warn("TicketSubmitFailed: follow-up required", eventFields(event)...)
	return n.sendWebhook(ctx, event)
}

func (n *NotificationService) handleAttachmentFailed(ctx context.Context, event events.Event) error {
	n.logger.Warn("AttachmentFailed", eventFields(event)...)
	return n.sendWebhook(ctx, event)
}

func (n *NotificationService) sendWebhook(ctx context.Context, event events.Event) error {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		return nil
	}
	if n.enqueue != nil {
		if !n.enqueue(event) {
			n.logger.Warn("webhook not queued (queue full or worker stopped), dropping event", eventFields(event)...)
		}
		return nil
	}
	return n.Deliver(ctx, event)
}

// Deliver posts event to the configured webhook.
func (n *NotificationService) Deliver(ctx context.Context, event events.Event) error {
	url := strings.TrimSpace(n.cfg.WebhookURL)
	if url == "" {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	// The webhook outlives a cancelled inbound request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", event.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", event.Type, resp.StatusCode)
	}
	n.logger.Debug("webhook delivered", zap.String("event_type", string(event.Type)), zap.String("ref", event.Reference))
	return nil
}

func eventFields(event events.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("ref", event.Reference),
		zap.String("variant", string(event.Variant)),
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if event.Payload != nil {
		fields = append(fields, zap.Any("payload", event.Payload))
	}
	return fields
}
