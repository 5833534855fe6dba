package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hitoshi/driverhire/internal/middleware"
	"github.com/hitoshi/driverhire/internal/model"
	"github.com/hitoshi/driverhire/internal/resume"
)

// ResumeServiceInterface は再開ハンドラーが必要とするサービスインターフェース。
type ResumeServiceInterface interface {
	Request(ctx context.Context, identity string) (*resume.RequestResult, error)
	Confirm(ctx context.Context, identity, code string) (*resume.ConfirmResult, error)
}

// ResumeRecorder は再開フローの結果を集計する。
type ResumeRecorder interface {
	RecordResumeRequest(outcome string)
	RecordResumeConfirm(outcome string)
}

// ResumeHandler は確認コードによる申請再開のHTTPハンドラー。
type ResumeHandler struct {
	service  ResumeServiceInterface
	recorder ResumeRecorder
	cookie   middleware.CookieConfig
}

// NewResumeHandler はResumeHandlerを生成する。
func NewResumeHandler(service ResumeServiceInterface, recorder ResumeRecorder, cookie middleware.CookieConfig) *ResumeHandler {
	return &ResumeHandler{service: service, recorder: recorder, cookie: cookie}
}

type resumeRequest struct {
	Identity string `json:"identity"`
}

type resumeRequestResponse struct {
	CodeExpiresAt time.Time `json:"codeExpiresAt"`
}

type resumeConfirmRequest struct {
	Identity string `json:"identity"`
	Code     string `json:"code"`
}

type resumeConfirmResponse struct {
	CurrentStep      string    `json:"currentStep"`
	Completed        bool      `json:"completed"`
	SessionExpiresAt time.Time `json:"sessionExpiresAt"`
}

// unavailable は申請の有無や期限切れを区別しないエラーに置き換える。
func unavailable(err error) error {
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrExpired) {
		return model.NewResumeUnavailableError()
	}
	return err
}

// outcomeOf はエラーを集計用の結果ラベルに変換する。
func outcomeOf(err error) string {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		return "error"
	}
	switch apiErr.Code {
	case model.ErrCodeResumeUnavailable:
		return "unavailable"
	case model.ErrCodeCodeInvalid:
		return "invalid"
	case model.ErrCodeCodeExpired:
		return "expired"
	case model.ErrCodeCodeAttemptsExceeded:
		return "exceeded"
	case model.ErrCodeDeliveryFailed:
		return "delivery_failed"
	default:
		return "error"
	}
}

// Request は確認コードを発行してメールで送信する。
// POST /api/resume/request
func (h *ResumeHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.Request(r.Context(), req.Identity)
	if err != nil {
		err = unavailable(err)
		h.recorder.RecordResumeRequest(outcomeOf(err))
		handleServiceError(w, err)
		return
	}
	h.recorder.RecordResumeRequest("sent")

	writeJSON(w, http.StatusAccepted, resumeRequestResponse{CodeExpiresAt: res.CodeExpiresAt})
}

// Confirm は確認コードを照合し、一致すれば再開セッションをCookieに設定する。
// POST /api/resume/confirm
func (h *ResumeHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req resumeConfirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.Confirm(r.Context(), req.Identity, req.Code)
	if err != nil {
		err = unavailable(err)
		h.recorder.RecordResumeConfirm(outcomeOf(err))
		handleServiceError(w, err)
		return
	}
	h.recorder.RecordResumeConfirm("ok")

	middleware.SetSessionCookie(w, res.Session, h.cookie)
	writeJSON(w, http.StatusOK, resumeConfirmResponse{
		CurrentStep:      string(res.CurrentStep),
		Completed:        res.Completed,
		SessionExpiresAt: res.Session.ExpiresAt,
	})
}

// Logout はセッションCookieを削除する。トークン自体は有効期限まで失効しない。
// POST /api/resume/logout
func (h *ResumeHandler) Logout(w http.ResponseWriter, r *http.Request) {
	middleware.ClearSessionCookie(w, h.cookie)
	w.WriteHeader(http.StatusNoContent)
}
