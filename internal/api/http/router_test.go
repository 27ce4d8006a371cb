package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-gateway/internal/api/dto"
	"github.com/spec-kit/ticket-gateway/internal/api/http/handlers"
	"github.com/spec-kit/ticket-gateway/internal/config"
	"github.com/spec-kit/ticket-gateway/internal/domain"
	"github.com/spec-kit/ticket-gateway/internal/observability"
	"github.com/spec-kit/ticket-gateway/internal/staging"
	apperrors "github.com/spec-kit/ticket-gateway/pkg/util/errorutil"
)

type fakeTokens struct {
	token domain.Token
	err   error
}

func (f fakeTokens) TokenWithExpiry(context.Context) (domain.Token, error) {
	return f.token, f.err
}

// fakeSubmitter records the request and checks the staged file while the
// workflow would be running.
type fakeSubmitter struct {
	got         *domain.TicketRequest
	stagedBytes string
	result      *domain.TicketResult
	err         error
}

func (f *fakeSubmitter) Submit(_ context.Context, req *domain.TicketRequest) (*domain.TicketResult, error) {
	f.got = req
	if req.Attachment != nil {
		data, _ := os.ReadFile(req.Attachment.Path)
		f.stagedBytes = string(data)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &domain.TicketResult{
		Reference: "INC0001234",
		Variant:   req.Variant,
		Steps: []domain.WorkflowStep{
			{Name: domain.StepCreate, Attempted: true, Succeeded: true},
			{Name: domain.StepSubmit, Attempted: true, Succeeded: true},
		},
	}, nil
}

type testApp struct {
	app        *fiber.App
	submitter  *fakeSubmitter
	stagingDir string
	metrics    *observability.Metrics
}

func newTestApp(t *testing.T, tokens handlers.TokenProvider) *testApp {
	t.Helper()
	ta := &testApp{
		app:        fiber.New(),
		submitter:  &fakeSubmitter{},
		stagingDir: t.TempDir(),
		metrics:    observability.NewMetrics(),
	}
	stager := staging.NewStager(config.StagingConfig{Dir: ta.stagingDir, MaxBytes: 1 << 20}, nil)
	RegisterMiddlewares(ta.app, zap.NewNop(), ta.metrics, 5*time.Second)
	RegisterRoutes(ta.app, RouteConfig{
		Health:  handlers.NewHealthHandler("ticket-gateway", "test", nil, stager),
		Token:   handlers.NewTokenHandler(tokens),
		Calls:   handlers.NewCallsHandler(ta.submitter, stager),
		Metrics: handlers.NewMetricsHandler(ta.metrics),
	})
	return ta
}

func (ta *testApp) do(t *testing.T, req *nethttp.Request) (*nethttp.Response, map[string]any) {
	t.Helper()
	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var body map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("decode body %q: %v", raw, err)
		}
	}
	return resp, body
}

func errorBody(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in %v", body)
	}
	return e
}

func jsonRequest(target string, payload any) *nethttp.Request {
	raw, _ := json.Marshal(payload)
	req := httptest.NewRequest(nethttp.MethodPost, target, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

const callQuery = "/make-call?codeType=call&receivingGroup=13&customString1=Hub&configurationItemId=5430&type=149&impact=1&urgency=4"

func TestGetTokenSetsCacheControl(t *testing.T) {
	ta := newTestApp(t, fakeTokens{token: domain.Token{Value: "abc.def", ExpiresAt: time.Now().Add(2 * time.Minute)}})

	resp, body := ta.do(t, httptest.NewRequest(nethttp.MethodGet, "/get-token", nil))
	if resp.StatusCode != nethttp.StatusOK || body["access_token"] != "abc.def" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
	cc := resp.Header.Get("Cache-Control")
	maxAge, err := strconv.Atoi(strings.TrimPrefix(cc, "private, max-age="))
	if err != nil || maxAge < 115 || maxAge > 120 {
		t.Fatalf("cache-control: %q", cc)
	}
	if resp.Header.Get(observability.RequestIDHeader) == "" {
		t.Fatal("missing request id header")
	}
}

func TestGetTokenFailure(t *testing.T) {
	ta := newTestApp(t, fakeTokens{err: apperrors.NewAuthError("login rejected", errors.New("401"))})

	resp, body := ta.do(t, httptest.NewRequest(nethttp.MethodGet, "/get-token", nil))
	if resp.StatusCode != nethttp.StatusInternalServerError {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if code := errorBody(t, body)["code"]; code != apperrors.CodeTokenUnavailable {
		t.Fatalf("code: %v", code)
	}
}

func TestMakeCallMergesQueryAndJSONBody(t *testing.T) {
	ta := newTestApp(t, fakeTokens{})

	req := jsonRequest(callQuery, map[string]any{"description": "Screen is blank", "impact": 2})
	resp, body := ta.do(t, req)
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	if body["callRef"] != "INC0001234" || body["codeType"] != "call" || body["submitted"] != true {
		t.Fatalf("body: %v", body)
	}
	got := ta.submitter.got
	if got.Field("description") != "Screen is blank" || got.Field("impact") != "2" || got.Field("receivingGroup") != "13" {
		t.Fatalf("fields: %v", got.Fields())
	}
	if _, ok := got.Fields()["codeType"]; ok {
		t.Fatal("codeType leaked into fields")
	}
}

func TestMakeCallMissingFields(t *testing.T) {
	ta := newTestApp(t, fakeTokens{})

	resp, body := ta.do(t, jsonRequest("/make-call?codeType=call", map[string]any{"description": "x"}))
	if resp.StatusCode != nethttp.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	e := errorBody(t, body)
	if !strings.Contains(e["message"].(string), "receivingGroup") {
		t.Fatalf("message: %v", e["message"])
	}
	details := e["details"].(map[string]any)
	if missing := details["missing_fields"].([]any); len(missing) != 6 {
		t.Fatalf("missing: %v", missing)
	}
	if ta.submitter.got != nil {
		t.Fatal("workflow ran for an invalid request")
	}
	if ta.metrics.Snapshot().Errors["/make-call|POST|"+apperrors.CodeValidation] != 1 {
		t.Fatalf("errors: %v", ta.metrics.Snapshot().Errors)
	}
}

func TestMakeCallRejectsZeroQuantity(t *testing.T) {
	ta := newTestApp(t, fakeTokens{})

	resp, body := ta.do(t, jsonRequest("/make-call?codeType=stock&purchase=7&transactionStatus=1", map[string]any{"quantity": 0}))
	if resp.StatusCode != nethttp.StatusBadRequest {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
}

func TestMakeCallStagesMultipartAttachment(t *testing.T) {
	ta := newTestApp(t, fakeTokens{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("description", "Printer jammed")
	part, _ := mw.CreateFormFile("attachment", "jam.txt")
	_, _ = part.Write([]byte("paper everywhere"))
	_ = mw.Close()

	req := httptest.NewRequest(nethttp.MethodPost,
		"/make-call?codeType=inf&receivingGroup=13&customString1=Hub&type=149&impact=1&urgency=4", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, body := ta.do(t, req)
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	got := ta.submitter.got
	if got.Variant != domain.VariantInfo || got.Attachment == nil || got.Attachment.FileName != "jam.txt" {
		t.Fatalf("request: %+v", got)
	}
	if ta.submitter.stagedBytes != "paper everywhere" {
		t.Fatalf("staged content: %q", ta.submitter.stagedBytes)
	}
	entries, _ := os.ReadDir(ta.stagingDir)
	if len(entries) != 0 {
		t.Fatalf("staged file not released, %d entries", len(entries))
	}
}

func multipartUpload(t *testing.T, target string, fields map[string]string, fileName string, content []byte) *nethttp.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	part, err := mw.CreateFormFile("attachment", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(content)
	_ = mw.Close()
	req := httptest.NewRequest(nethttp.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestMakeCallOversizedAttachmentStillSubmits(t *testing.T) {
	ta := newTestApp(t, fakeTokens{})

	req := multipartUpload(t,
		"/make-call?codeType=inf&receivingGroup=13&customString1=Hub&type=149&impact=1&urgency=4",
		map[string]string{"description": "Printer jammed"},
		"scan.pdf", bytes.Repeat([]byte("a"), 1<<20+10))

	resp, body := ta.do(t, req)
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	got := ta.submitter.got
	if got == nil {
		t.Fatal("workflow did not run")
	}
	if got.Attachment != nil {
		t.Fatalf("unexpected staged attachment: %+v", got.Attachment)
	}
	if !apperrors.IsCode(got.AttachmentErr, apperrors.CodeAttachment) || !errors.Is(got.AttachmentErr, staging.ErrTooLarge) {
		t.Fatalf("attachment error: %v", got.AttachmentErr)
	}
	if got.Field("description") != "Printer jammed" {
		t.Fatalf("fields: %v", got.Fields())
	}
	entries, _ := os.ReadDir(ta.stagingDir)
	if len(entries) != 0 {
		t.Fatalf("staging dir not empty, %d entries", len(entries))
	}
}

func TestMakeCallValidatesBeforeStaging(t *testing.T) {
	ta := newTestApp(t, fakeTokens{})

	req := multipartUpload(t, "/make-call?codeType=call",
		map[string]string{"description": "x"},
		"scan.pdf", bytes.Repeat([]byte("a"), 1<<20+10))

	resp, body := ta.do(t, req)
	if resp.StatusCode != nethttp.StatusBadRequest {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	e := errorBody(t, body)
	if e["code"] != apperrors.CodeValidation {
		t.Fatalf("code: %v", e["code"])
	}
	details := e["details"].(map[string]any)
	if missing, _ := details["missing_fields"].([]any); len(missing) != 6 {
		t.Fatalf("details: %v", details)
	}
	if ta.submitter.got != nil {
		t.Fatal("workflow ran for an invalid request")
	}
}

func TestMakeCallReportsSubmitFailure(t *testing.T) {
	ta := newTestApp(t, fakeTokens{})
	ta.submitter.result = &domain.TicketResult{
		Reference: "INC9",
		Variant:   domain.VariantCall,
		Steps: []domain.WorkflowStep{
			{Name: domain.StepCreate, Attempted: true, Succeeded: true},
			{Name: domain.StepSubmit, Attempted: true, Err: apperrors.NewUpstreamError(502, "bad gateway")},
		},
	}

	resp, body := ta.do(t, jsonRequest(callQuery, map[string]any{"description": "x"}))
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if body["submitted"] != false || body["followUpRequired"] != true || body["callRef"] != "INC9" {
		t.Fatalf("body: %v", body)
	}
	if !strings.Contains(body["error"].(string), "submit") {
		t.Fatalf("error: %v", body["error"])
	}

	var decoded dto.MakeCallResponse
	raw, _ := json.Marshal(body)
	_ = json.Unmarshal(raw, &decoded)
	if len(decoded.Steps) != 2 || decoded.Steps[1].Error == "" {
		t.Fatalf("steps: %+v", decoded.Steps)
	}
}

func TestMakeCallErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "auth", err: apperrors.NewAuthError("no token", nil), status: nethttp.StatusUnauthorized, code: apperrors.CodeAuth},
		{name: "upstream", err: apperrors.NewUpstreamError(503, "maintenance"), status: nethttp.StatusInternalServerError, code: apperrors.CodeUpstream},
		{name: "timeout", err: context.DeadlineExceeded, status: nethttp.StatusInternalServerError, code: apperrors.CodeNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ta := newTestApp(t, fakeTokens{})
			ta.submitter.err = tc.err

			resp, body := ta.do(t, jsonRequest(callQuery, map[string]any{"description": "x"}))
			if resp.StatusCode != tc.status {
				t.Fatalf("status: got %d, want %d", resp.StatusCode, tc.status)
			}
			if code := errorBody(t, body)["code"]; code != tc.code {
				t.Fatalf("code: got %v, want %s", code, tc.code)
			}
		})
	}
}

func TestUpstreamErrorCarriesDetail(t *testing.T) {
	ta := newTestApp(t, fakeTokens{})
	ta.submitter.err = apperrors.NewUpstreamError(422, `{"Message":"Type is invalid"}`)

	_, body := ta.do(t, jsonRequest(callQuery, map[string]any{"description": "x"}))
	details := errorBody(t, body)["details"].(map[string]any)
	if details["upstream_status"] != float64(422) || !strings.Contains(details["upstream_body"].(string), "Type is invalid") {
		t.Fatalf("details: %v", details)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ta := newTestApp(t, fakeTokens{})

	resp, body := ta.do(t, httptest.NewRequest(nethttp.MethodGet, "/health/ready", nil))
	if resp.StatusCode != nethttp.StatusOK || body["status"] != "ready" {
		t.Fatalf("ready: %d %v", resp.StatusCode, body)
	}

	resp, body = ta.do(t, httptest.NewRequest(nethttp.MethodGet, "/metrics", nil))
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("metrics status: %d", resp.StatusCode)
	}
	requests := body["requests"].(map[string]any)
	if requests["/health/ready|GET|200"] != float64(1) {
		t.Fatalf("requests: %v", requests)
	}
}

func TestUnknownRouteIsJSON(t *testing.T) {
	ta := newTestApp(t, fakeTokens{})

	resp, body := ta.do(t, httptest.NewRequest(nethttp.MethodGet, "/nope", nil))
	if resp.StatusCode != nethttp.StatusNotFound || errorBody(t, body)["code"] != "NOT_FOUND" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
}
