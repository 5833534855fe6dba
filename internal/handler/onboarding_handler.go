package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/driverhire/internal/middleware"
	"github.com/hitoshi/driverhire/internal/model"
	"github.com/hitoshi/driverhire/internal/onboarding"
)

// OnboardingServiceInterface は応募者向けハンドラーが必要とするサービスインターフェース。
type OnboardingServiceInterface interface {
	Start(ctx context.Context, in onboarding.StartInput) (*model.Tracker, error)
	SubmitStep(ctx context.Context, trackerID string, step model.Step, payload json.RawMessage) (*model.Tracker, error)
	Status(ctx context.Context, trackerID string) (*onboarding.StatusView, error)
}

// SessionIssuer は追跡IDに束縛したセッションを発行する。
type SessionIssuer interface {
	Issue(trackerID string) (*model.ResumeSession, error)
}

// StepRecorder はステップ書き込みの件数を集計する。
type StepRecorder interface {
	RecordStepSubmitted(step string)
}

// OnboardingHandler は申請の開始・進捗参照・ステップ書き込みのHTTPハンドラー。
type OnboardingHandler struct {
	service  OnboardingServiceInterface
	issuer   SessionIssuer
	recorder StepRecorder
	cookie   middleware.CookieConfig
}

// NewOnboardingHandler はOnboardingHandlerを生成する。
func NewOnboardingHandler(service OnboardingServiceInterface, issuer SessionIssuer, recorder StepRecorder, cookie middleware.CookieConfig) *OnboardingHandler {
	return &OnboardingHandler{
		service:  service,
		issuer:   issuer,
		recorder: recorder,
		cookie:   cookie,
	}
}

// startRequest は申請開始リクエストのボディ。
type startRequest struct {
	Identity         string          `json:"identity"`
	CompanyID        string          `json:"companyId"`
	PreQualification json.RawMessage `json:"preQualification"`
	ApplicationPage1 json.RawMessage `json:"applicationPage1"`
}

type stepResponse struct {
	Step  string `json:"step"`
	State string `json:"state"`
}

// statusResponse は進捗のAPIレスポンス。
type statusResponse struct {
	CurrentStep      string         `json:"currentStep"`
	CompletedStep    string         `json:"completedStep,omitempty"`
	Completed        bool           `json:"completed"`
	AwaitingApproval bool           `json:"awaitingApproval"`
	ResumeExpiresAt  time.Time      `json:"resumeExpiresAt"`
	Steps            []stepResponse `json:"steps"`
}

func toStatusResponse(v *onboarding.StatusView) statusResponse {
	resp := statusResponse{
		CurrentStep:      string(v.CurrentStep),
		CompletedStep:    string(v.CompletedStep),
		Completed:        v.Completed,
		AwaitingApproval: v.AwaitingApproval,
		ResumeExpiresAt:  v.ResumeExpiresAt,
		Steps:            make([]stepResponse, 0, len(v.Steps)),
	}
	for _, s := range v.Steps {
		resp.Steps = append(resp.Steps, stepResponse{Step: string(s.Step), State: string(s.State)})
	}
	return resp
}

// Start は申請を開始し、再開セッションをCookieに設定する。
// POST /api/onboarding
func (h *OnboardingHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tracker, err := h.service.Start(r.Context(), onboarding.StartInput{
		Identity:         req.Identity,
		CompanyID:        req.CompanyID,
		PreQualification: req.PreQualification,
		ApplicationPage1: req.ApplicationPage1,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	session, err := h.issuer.Issue(tracker.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.SetSessionCookie(w, session, h.cookie)
	h.recorder.RecordStepSubmitted(string(model.StepApplicationPage1))

	writeJSON(w, http.StatusCreated, toStatusResponse(onboarding.BuildStatusView(tracker)))
}

// Status はセッションの追跡レコードの進捗を返す。
// GET /api/onboarding/status
func (h *OnboardingHandler) Status(w http.ResponseWriter, r *http.Request) {
	trackerID, err := middleware.TrackerIDFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewSessionInvalidError())
		return
	}

	view, err := h.service.Status(r.Context(), trackerID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(view))
}

// SubmitStep はステップのフォームを保存する。ボディはフォームの内容そのもの。
// PUT /api/onboarding/steps/{step}
func (h *OnboardingHandler) SubmitStep(w http.ResponseWriter, r *http.Request) {
	trackerID, err := middleware.TrackerIDFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewSessionInvalidError())
		return
	}

	raw := chi.URLParam(r, "step")
	step, err := model.ParseStep(raw)
	if err != nil {
		handleServiceError(w, model.NewInvalidStepError(raw))
		return
	}

	payload, ok := readRawBody(w, r)
	if !ok {
		return
	}

	tracker, err := h.service.SubmitStep(r.Context(), trackerID, step, payload)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.recorder.RecordStepSubmitted(string(step))

	writeJSON(w, http.StatusOK, toStatusResponse(onboarding.BuildStatusView(tracker)))
}
