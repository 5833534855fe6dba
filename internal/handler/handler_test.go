package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/driverhire/internal/middleware"
	"github.com/hitoshi/driverhire/internal/model"
	"github.com/hitoshi/driverhire/internal/onboarding"
	"github.com/hitoshi/driverhire/internal/resume"
	"github.com/hitoshi/driverhire/internal/worker/cleanup"
	"github.com/hitoshi/driverhire/internal/worker/notify"
)

// --- モック定義 ---

type mockOnboardingService struct {
	startFn      func(ctx context.Context, in onboarding.StartInput) (*model.Tracker, error)
	submitStepFn func(ctx context.Context, trackerID string, step model.Step, payload json.RawMessage) (*model.Tracker, error)
	statusFn     func(ctx context.Context, trackerID string) (*onboarding.StatusView, error)
}

func (m *mockOnboardingService) Start(ctx context.Context, in onboarding.StartInput) (*model.Tracker, error) {
	return m.startFn(ctx, in)
}

func (m *mockOnboardingService) SubmitStep(ctx context.Context, trackerID string, step model.Step, payload json.RawMessage) (*model.Tracker, error) {
	return m.submitStepFn(ctx, trackerID, step, payload)
}

func (m *mockOnboardingService) Status(ctx context.Context, trackerID string) (*onboarding.StatusView, error) {
	return m.statusFn(ctx, trackerID)
}

type mockIssuer struct{}

func (mockIssuer) Issue(trackerID string) (*model.ResumeSession, error) {
	return &model.ResumeSession{Token: "token-" + trackerID, TrackerID: trackerID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type mockRecorder struct {
	steps    []string
	requests []string
	confirms []string
	statuses []int
}

func (m *mockRecorder) RecordStepSubmitted(step string)    { m.steps = append(m.steps, step) }
func (m *mockRecorder) RecordResumeRequest(outcome string) { m.requests = append(m.requests, outcome) }
func (m *mockRecorder) RecordResumeConfirm(outcome string) { m.confirms = append(m.confirms, outcome) }
func (m *mockRecorder) RecordHTTPStatus(code int)          { m.statuses = append(m.statuses, code) }

type mockResumeService struct {
	requestFn func(ctx context.Context, identity string) (*resume.RequestResult, error)
	confirmFn func(ctx context.Context, identity, code string) (*resume.ConfirmResult, error)
}

func (m *mockResumeService) Request(ctx context.Context, identity string) (*resume.RequestResult, error) {
	return m.requestFn(ctx, identity)
}

func (m *mockResumeService) Confirm(ctx context.Context, identity, code string) (*resume.ConfirmResult, error) {
	return m.confirmFn(ctx, identity, code)
}

type mockAdminService struct {
	viewFn      func(ctx context.Context, id string) (*model.Tracker, error)
	approveFn   func(ctx context.Context, id string) error
	revokeFn    func(ctx context.Context, id string) error
	terminateFn func(ctx context.Context, id string) error
}

func (m *mockAdminService) AdminView(ctx context.Context, id string) (*model.Tracker, error) {
	return m.viewFn(ctx, id)
}
func (m *mockAdminService) ApproveInvitation(ctx context.Context, id string) error {
	return m.approveFn(ctx, id)
}
func (m *mockAdminService) RevokeInvitation(ctx context.Context, id string) error {
	return m.revokeFn(ctx, id)
}
func (m *mockAdminService) Terminate(ctx context.Context, id string) error {
	return m.terminateFn(ctx, id)
}

type mockNotifier struct {
	runFn func(ctx context.Context, limit int) (notify.Result, error)
}

func (m *mockNotifier) RunOnce(ctx context.Context, limit int) (notify.Result, error) {
	return m.runFn(ctx, limit)
}

type mockReaper struct {
	runFn func(ctx context.Context, limit int) (cleanup.Result, error)
}

func (m *mockReaper) Run(ctx context.Context, limit int) (cleanup.Result, error) {
	return m.runFn(ctx, limit)
}

// --- テストヘルパー ---

func withTrackerID(r *http.Request, trackerID string) *http.Request {
	return r.WithContext(middleware.ContextWithTrackerID(r.Context(), trackerID))
}

func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v\nraw: %s", err, w.Body.String())
	}
	return body
}

func sampleTracker() *model.Tracker {
	return &model.Tracker{
		ID:              "tracker-1",
		Status:          model.TrackerStatus{CurrentStep: model.StepApplicationPage2, CompletedStep: model.StepApplicationPage1},
		ResumeExpiresAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Forms:           model.FormRefs{model.FormDriverApplication: "app-1"},
	}
}

// --- OnboardingHandler ---

func TestOnboardingHandler_Start_SetsSessionCookie(t *testing.T) {
	var got onboarding.StartInput
	svc := &mockOnboardingService{startFn: func(ctx context.Context, in onboarding.StartInput) (*model.Tracker, error) {
		got = in
		return sampleTracker(), nil
	}}
	rec := &mockRecorder{}
	h := NewOnboardingHandler(svc, mockIssuer{}, rec, middleware.CookieConfig{})

	body := `{"identity":"123-45-6789","companyId":"acme","preQualification":{"a":1},"applicationPage1":{"email":"x@example.com"}}`
	w := httptest.NewRecorder()
	h.Start(w, httptest.NewRequest(http.MethodPost, "/api/onboarding", strings.NewReader(body)))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if got.Identity != "123-45-6789" || got.CompanyID != "acme" || string(got.PreQualification) != `{"a":1}` {
		t.Errorf("StartInput = %+v", got)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != middleware.SessionCookieName || cookies[0].Value != "token-tracker-1" {
		t.Errorf("cookies = %+v", cookies)
	}
	resp := decodeBody(t, w)
	if resp["currentStep"] != "application_page_2" {
		t.Errorf("currentStep = %v", resp["currentStep"])
	}
	if _, ok := resp["trackerId"]; ok {
		t.Error("追跡IDはレスポンスに含めないこと")
	}
	if len(rec.steps) != 1 || rec.steps[0] != "application_page_1" {
		t.Errorf("recorded steps = %v", rec.steps)
	}
}

func TestOnboardingHandler_Start_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"不正なJSON", `{`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"重複", `{"identity":"1"}`, model.NewDuplicateApplicantError(), http.StatusConflict, model.ErrCodeDuplicateApplicant},
		{"入力不正", `{"identity":""}`, model.NewInvalidInputError("x"), http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"内部エラー", `{"identity":"1"}`, errors.New("db down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockOnboardingService{startFn: func(ctx context.Context, in onboarding.StartInput) (*model.Tracker, error) {
				return nil, tt.err
			}}
			h := NewOnboardingHandler(svc, mockIssuer{}, &mockRecorder{}, middleware.CookieConfig{})

			w := httptest.NewRecorder()
			h.Start(w, httptest.NewRequest(http.MethodPost, "/api/onboarding", strings.NewReader(tt.body)))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := decodeBody(t, w)["code"]; code != tt.wantCode {
				t.Errorf("code = %v, want %s", code, tt.wantCode)
			}
			if len(w.Result().Cookies()) != 0 {
				t.Error("失敗時はセッションを発行しないこと")
			}
		})
	}
}

func TestOnboardingHandler_SubmitStep(t *testing.T) {
	var gotStep model.Step
	var gotPayload string
	svc := &mockOnboardingService{submitStepFn: func(ctx context.Context, trackerID string, step model.Step, payload json.RawMessage) (*model.Tracker, error) {
		if trackerID != "tracker-1" {
			t.Errorf("trackerID = %q", trackerID)
		}
		gotStep, gotPayload = step, string(payload)
		tr := sampleTracker()
		tr.Status = model.TrackerStatus{CurrentStep: model.StepApplicationPage3, CompletedStep: model.StepApplicationPage2}
		return tr, nil
	}}
	rec := &mockRecorder{}
	h := NewOnboardingHandler(svc, mockIssuer{}, rec, middleware.CookieConfig{})

	req := httptest.NewRequest(http.MethodPut, "/api/onboarding/steps/application_page_2", strings.NewReader(`{"employer":"x"}`))
	req = withChiURLParam(withTrackerID(req, "tracker-1"), "step", "application_page_2")
	w := httptest.NewRecorder()
	h.SubmitStep(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if gotStep != model.StepApplicationPage2 || gotPayload != `{"employer":"x"}` {
		t.Errorf("step = %s, payload = %s", gotStep, gotPayload)
	}
	if resp := decodeBody(t, w); resp["currentStep"] != "application_page_3" {
		t.Errorf("currentStep = %v", resp["currentStep"])
	}
	if len(rec.steps) != 1 {
		t.Errorf("recorded steps = %v", rec.steps)
	}
}

func TestOnboardingHandler_SubmitStep_Rejects(t *testing.T) {
	svc := &mockOnboardingService{submitStepFn: func(ctx context.Context, trackerID string, step model.Step, payload json.RawMessage) (*model.Tracker, error) {
		return nil, model.NewInvitationNotApprovedError()
	}}
	h := NewOnboardingHandler(svc, mockIssuer{}, &mockRecorder{}, middleware.CookieConfig{})

	tests := []struct {
		name       string
		step       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"未知のステップ", "bogus", `{}`, http.StatusBadRequest, model.ErrCodeInvalidStep},
		{"JSONでないボディ", "drive_test", `not json`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"承認待ち", "drive_test", `{}`, http.StatusConflict, model.ErrCodeInvitationNotApproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(tt.body))
			req = withChiURLParam(withTrackerID(req, "tracker-1"), "step", tt.step)
			w := httptest.NewRecorder()
			h.SubmitStep(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := decodeBody(t, w)["code"]; code != tt.wantCode {
				t.Errorf("code = %v, want %s", code, tt.wantCode)
			}
		})
	}
}

func TestOnboardingHandler_Status_Expired(t *testing.T) {
	svc := &mockOnboardingService{statusFn: func(ctx context.Context, trackerID string) (*onboarding.StatusView, error) {
		return nil, model.NewResumeExpiredError()
	}}
	h := NewOnboardingHandler(svc, mockIssuer{}, &mockRecorder{}, middleware.CookieConfig{})

	w := httptest.NewRecorder()
	h.Status(w, withTrackerID(httptest.NewRequest(http.MethodGet, "/api/onboarding/status", nil), "tracker-1"))

	if w.Code != http.StatusGone {
		t.Errorf("status = %d, want 410", w.Code)
	}
}

func TestOnboardingHandler_Status_NoSession(t *testing.T) {
	h := NewOnboardingHandler(&mockOnboardingService{}, mockIssuer{}, &mockRecorder{}, middleware.CookieConfig{})

	w := httptest.NewRecorder()
	h.Status(w, httptest.NewRequest(http.MethodGet, "/api/onboarding/status", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// --- ResumeHandler ---

func TestResumeHandler_Request_CollapsesLookupFailures(t *testing.T) {
	for _, svcErr := range []error{model.NewTrackerNotFoundError(), model.NewResumeExpiredError()} {
		t.Run(svcErr.Error(), func(t *testing.T) {
			svc := &mockResumeService{requestFn: func(ctx context.Context, identity string) (*resume.RequestResult, error) {
				return nil, svcErr
			}}
			rec := &mockRecorder{}
			h := NewResumeHandler(svc, rec, middleware.CookieConfig{})

			w := httptest.NewRecorder()
			h.Request(w, httptest.NewRequest(http.MethodPost, "/api/resume/request", strings.NewReader(`{"identity":"x"}`)))

			if w.Code != http.StatusNotFound {
				t.Errorf("status = %d, want 404", w.Code)
			}
			if code := decodeBody(t, w)["code"]; code != model.ErrCodeResumeUnavailable {
				t.Errorf("code = %v, want %s", code, model.ErrCodeResumeUnavailable)
			}
			if len(rec.requests) != 1 || rec.requests[0] != "unavailable" {
				t.Errorf("recorded = %v", rec.requests)
			}
		})
	}
}

func TestResumeHandler_Request_Success(t *testing.T) {
	expires := time.Date(2026, 6, 1, 8, 10, 0, 0, time.UTC)
	svc := &mockResumeService{requestFn: func(ctx context.Context, identity string) (*resume.RequestResult, error) {
		return &resume.RequestResult{CodeExpiresAt: expires}, nil
	}}
	rec := &mockRecorder{}
	h := NewResumeHandler(svc, rec, middleware.CookieConfig{})

	w := httptest.NewRecorder()
	h.Request(w, httptest.NewRequest(http.MethodPost, "/api/resume/request", strings.NewReader(`{"identity":"x"}`)))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["codeExpiresAt"] != "2026-06-01T08:10:00Z" {
		t.Errorf("codeExpiresAt = %v", resp["codeExpiresAt"])
	}
	if rec.requests[0] != "sent" {
		t.Errorf("recorded = %v", rec.requests)
	}
}

func TestResumeHandler_Confirm(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantStatus    int
		wantCode      string
		wantOutcome   string
		wantRemaining float64
	}{
		{"コード不一致", model.NewCodeInvalidError(2), http.StatusUnauthorized, model.ErrCodeCodeInvalid, "invalid", 2},
		{"コード期限切れ", model.NewCodeExpiredError(), http.StatusUnauthorized, model.ErrCodeCodeExpired, "expired", -1},
		{"試行上限", model.NewCodeAttemptsExceededError(), http.StatusTooManyRequests, model.ErrCodeCodeAttemptsExceeded, "exceeded", -1},
		{"申請の期限切れ", model.NewResumeExpiredError(), http.StatusNotFound, model.ErrCodeResumeUnavailable, "unavailable", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockResumeService{confirmFn: func(ctx context.Context, identity, code string) (*resume.ConfirmResult, error) {
				return nil, tt.err
			}}
			rec := &mockRecorder{}
			h := NewResumeHandler(svc, rec, middleware.CookieConfig{})

			w := httptest.NewRecorder()
			h.Confirm(w, httptest.NewRequest(http.MethodPost, "/api/resume/confirm", strings.NewReader(`{"identity":"x","code":"000000"}`)))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeBody(t, w)
			if body["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", body["code"], tt.wantCode)
			}
			if tt.wantRemaining >= 0 && body["remaining"] != tt.wantRemaining {
				t.Errorf("remaining = %v, want %v", body["remaining"], tt.wantRemaining)
			}
			if rec.confirms[0] != tt.wantOutcome {
				t.Errorf("outcome = %v, want %s", rec.confirms, tt.wantOutcome)
			}
			if len(w.Result().Cookies()) != 0 {
				t.Error("失敗時はセッションを発行しないこと")
			}
		})
	}
}

func TestResumeHandler_Confirm_Success(t *testing.T) {
	svc := &mockResumeService{confirmFn: func(ctx context.Context, identity, code string) (*resume.ConfirmResult, error) {
		s, _ := mockIssuer{}.Issue("tracker-1")
		return &resume.ConfirmResult{Session: s, TrackerID: "tracker-1", CurrentStep: model.StepCompleted, Completed: true}, nil
	}}
	h := NewResumeHandler(svc, &mockRecorder{}, middleware.CookieConfig{})

	w := httptest.NewRecorder()
	h.Confirm(w, httptest.NewRequest(http.MethodPost, "/api/resume/confirm", strings.NewReader(`{"identity":"x","code":"123456"}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["completed"] != true || resp["currentStep"] != "completed" {
		t.Errorf("resp = %v", resp)
	}
	if c := w.Result().Cookies(); len(c) != 1 || c[0].Value != "token-tracker-1" {
		t.Errorf("cookies = %+v", c)
	}
}

func TestResumeHandler_Logout_ClearsCookie(t *testing.T) {
	h := NewResumeHandler(&mockResumeService{}, &mockRecorder{}, middleware.CookieConfig{})

	w := httptest.NewRecorder()
	h.Logout(w, httptest.NewRequest(http.MethodPost, "/api/resume/logout", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
	if c := w.Result().Cookies(); len(c) != 1 || c[0].MaxAge >= 0 {
		t.Errorf("cookies = %+v", c)
	}
}

// --- AdminHandler ---

func TestAdminHandler_Get(t *testing.T) {
	svc := &mockAdminService{viewFn: func(ctx context.Context, id string) (*model.Tracker, error) {
		if id != "tracker-1" {
			return nil, model.NewTrackerNotFoundError()
		}
		tr := sampleTracker()
		tr.IdentityHash = "secret-hash"
		tr.CompletionNotice.Status = model.NotificationNotSent
		return tr, nil
	}}
	h := NewAdminHandler(svc)

	w := httptest.NewRecorder()
	h.Get(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "id", "tracker-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "secret-hash") {
		t.Error("本人識別ハッシュは返さないこと")
	}
	resp := decodeBody(t, w)
	if resp["id"] != "tracker-1" || resp["currentStep"] != "application_page_2" {
		t.Errorf("resp = %v", resp)
	}

	w = httptest.NewRecorder()
	h.Get(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "id", "missing"))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAdminHandler_Operations(t *testing.T) {
	var calls []string
	op := func(name string) func(ctx context.Context, id string) error {
		return func(ctx context.Context, id string) error {
			calls = append(calls, name+":"+id)
			if id == "gone" {
				return model.NewTrackerNotFoundError()
			}
			return nil
		}
	}
	h := NewAdminHandler(&mockAdminService{approveFn: op("approve"), revokeFn: op("revoke"), terminateFn: op("terminate")})

	for _, fn := range []http.HandlerFunc{h.Approve, h.Revoke, h.Terminate} {
		w := httptest.NewRecorder()
		fn(w, withChiURLParam(httptest.NewRequest(http.MethodPost, "/", nil), "id", "t1"))
		if w.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", w.Code)
		}
	}
	w := httptest.NewRecorder()
	h.Terminate(w, withChiURLParam(httptest.NewRequest(http.MethodPost, "/", nil), "id", "gone"))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}

	want := "approve:t1,revoke:t1,terminate:t1,terminate:gone"
	if got := strings.Join(calls, ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
}

// --- CronHandler ---

func TestCronHandler_Notifications(t *testing.T) {
	var gotLimit int
	n := &mockNotifier{runFn: func(ctx context.Context, limit int) (notify.Result, error) {
		gotLimit = limit
		return notify.Result{Scanned: 3, Sent: 2, Failed: 1, Processed: 3, LimitApplied: 40}, nil
	}}
	h := NewCronHandler(n, &mockReaper{})

	w := httptest.NewRecorder()
	h.Notifications(w, httptest.NewRequest(http.MethodPost, "/internal/cron/notifications?limit=40", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotLimit != 40 {
		t.Errorf("limit = %d, want 40", gotLimit)
	}
	resp := decodeBody(t, w)
	if resp["sent"] != float64(2) || resp["limitApplied"] != float64(40) {
		t.Errorf("resp = %v", resp)
	}
}

func TestCronHandler_InvalidLimit(t *testing.T) {
	h := NewCronHandler(&mockNotifier{}, &mockReaper{})

	for _, q := range []string{"abc", "-1"} {
		w := httptest.NewRecorder()
		h.Cleanup(w, httptest.NewRequest(http.MethodPost, "/internal/cron/cleanup?limit="+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", q, w.Code)
		}
	}
}

func TestCronHandler_Cleanup(t *testing.T) {
	r := &mockReaper{runFn: func(ctx context.Context, limit int) (cleanup.Result, error) {
		if limit != 0 {
			t.Errorf("limit = %d, want 0 (既定値)", limit)
		}
		return cleanup.Result{Trackers: 2, Children: map[string]int64{"driverApplication": 2}, MoreRemaining: true}, nil
	}}
	h := NewCronHandler(&mockNotifier{}, r)

	w := httptest.NewRecorder()
	h.Cleanup(w, httptest.NewRequest(http.MethodPost, "/internal/cron/cleanup", nil))

	resp := decodeBody(t, w)
	if resp["trackers"] != float64(2) || resp["moreRemaining"] != true {
		t.Errorf("resp = %v", resp)
	}
}

func TestCronHandler_SweepError(t *testing.T) {
	r := &mockReaper{runFn: func(ctx context.Context, limit int) (cleanup.Result, error) {
		return cleanup.Result{}, errors.New("rolled back")
	}}
	h := NewCronHandler(&mockNotifier{}, r)

	w := httptest.NewRecorder()
	h.Cleanup(w, httptest.NewRequest(http.MethodPost, "/internal/cron/cleanup", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "rolled back") {
		t.Error("内部エラーの詳細は返さないこと")
	}
}

// --- HealthHandler ---

func TestHealthHandler(t *testing.T) {
	w := httptest.NewRecorder()
	NewHealthHandler(nil)(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	NewHealthHandler(func(ctx context.Context) error { return errors.New("down") })(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("unavailable")) {
		t.Errorf("body = %s", w.Body.String())
	}
}
