package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-gateway/internal/api/dto"
	"github.com/spec-kit/ticket-gateway/internal/domain"
	"github.com/spec-kit/ticket-gateway/internal/service"
	apperrors "github.com/spec-kit/ticket-gateway/pkg/util/errorutil"
)

const (
	codeTypeParam   = "codeType"
	attachmentField = "attachment"
)

// TicketSubmitter runs a validated request through its workflow.
type TicketSubmitter interface {
	Submit(ctx context.Context, req *domain.TicketRequest) (*domain.TicketResult, error)
}

// AttachmentStager keeps uploads on local disk for the duration of a request.
type AttachmentStager interface {
	Stage(r io.Reader, fileName, contentType string) (*domain.FileHandle, error)
	Release(handle *domain.FileHandle)
}

// CallsHandler accepts ticket submissions.
type CallsHandler struct {
	service TicketSubmitter
	staging AttachmentStager
}

// NewCallsHandler constructs handler.
func NewCallsHandler(ticketService TicketSubmitter, staging AttachmentStager) *CallsHandler {
	return &CallsHandler{service: ticketService, staging: staging}
}

// MakeCall POST /make-call. Fields may arrive in the query string or in a
// JSON, urlencoded or multipart body; body values win.
func (h *CallsHandler) MakeCall(c *fiber.Ctx) error {
	fields := make(map[string]string)
	c.Request().URI().QueryArgs().VisitAll(func(key, value []byte) {
		fields[string(key)] = string(value)
	})

	upload, err := mergeBody(c, fields)
	if err != nil {
		return err
	}

	codeType := fields[codeTypeParam]
	delete(fields, codeTypeParam)

	// Validation only needs to know a file was sent; it is staged afterwards.
	var declared *domain.FileHandle
	if upload != nil {
		declared = &domain.FileHandle{
			FileName:    upload.Filename,
			ContentType: upload.Header.Get(fiber.HeaderContentType),
			Size:        upload.Size,
		}
	}
	req, err := service.Route(service.RawRequest{CodeType: codeType, Fields: fields, Attachment: declared})
	if err != nil {
		return err
	}

	if upload != nil {
		attachment, stageErr := h.stage(upload)
		if stageErr != nil {
			// The ticket is still created; the failure shows in the attach step.
			req = req.WithAttachmentError(stageErr)
		} else {
			defer h.staging.Release(attachment)
			req = req.WithAttachment(attachment)
		}
	}

	result, err := h.service.Submit(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.JSON(dto.NewMakeCallResponse(result))
}

func (h *CallsHandler) stage(upload *multipart.FileHeader) (*domain.FileHandle, error) {
	file, err := upload.Open()
	if err != nil {
		return nil, apperrors.NewAttachmentError(err)
	}
	defer file.Close()
	return h.staging.Stage(file, upload.Filename, upload.Header.Get(fiber.HeaderContentType))
}

// mergeBody copies body fields into fields and returns the uploaded file, if any.
func mergeBody(c *fiber.Ctx, fields map[string]string) (*multipart.FileHeader, error) {
	contentType := strings.ToLower(string(c.Request().Header.ContentType()))
	switch {
	case strings.HasPrefix(contentType, fiber.MIMEApplicationJSON):
		return nil, mergeJSON(c.Body(), fields)
	case strings.HasPrefix(contentType, fiber.MIMEMultipartForm):
		form, err := c.MultipartForm()
		if err != nil {
			return nil, apperrors.NewValidationError("invalid multipart body", nil)
		}
		for key, values := range form.Value {
			if len(values) > 0 {
				fields[key] = values[0]
			}
		}
		if files := form.File[attachmentField]; len(files) > 0 {
			return files[0], nil
		}
		return nil, nil
	case strings.HasPrefix(contentType, fiber.MIMEApplicationForm):
		c.Request().PostArgs().VisitAll(func(key, value []byte) {
			fields[string(key)] = string(value)
		})
		return nil, nil
	default:
		return nil, nil
	}
}

func mergeJSON(body []byte, fields map[string]string) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return apperrors.NewValidationError("invalid JSON body", nil)
	}

	var invalid []string
	for key, value := range payload {
		switch v := value.(type) {
		case nil:
		case string:
			fields[key] = v
		case json.Number:
			fields[key] = v.String()
		case bool:
			fields[key] = strconv.FormatBool(v)
		default:
			invalid = append(invalid, key)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return apperrors.NewValidationError("fields must be strings or numbers: "+strings.Join(invalid, ", "),
			map[string]any{"invalid_fields": invalid})
	}
	return nil
}
