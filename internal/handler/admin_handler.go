package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/driverhire/internal/model"
	"github.com/hitoshi/driverhire/internal/onboarding"
)

// AdminServiceInterface は管理者向けハンドラーが必要とするサービスインターフェース。
type AdminServiceInterface interface {
	AdminView(ctx context.Context, trackerID string) (*model.Tracker, error)
	ApproveInvitation(ctx context.Context, trackerID string) error
	RevokeInvitation(ctx context.Context, trackerID string) error
	Terminate(ctx context.Context, trackerID string) error
}

// AdminHandler は追跡レコードの管理操作のHTTPハンドラー。
type AdminHandler struct {
	service AdminServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

type noticeResponse struct {
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	ConsentGiven bool       `json:"consentGiven"`
	SentAt       *time.Time `json:"sentAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

// adminTrackerResponse は管理者向けの追跡レコード。本人識別番号は含めない。
type adminTrackerResponse struct {
	ID                 string            `json:"id"`
	CompanyID          string            `json:"companyId"`
	InvitationApproved bool              `json:"invitationApproved"`
	NeedsFlatbed       bool              `json:"needsFlatbedTraining"`
	Forms              map[string]string `json:"forms"`
	Notice             noticeResponse    `json:"completionNotice"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	statusResponse
}

func toAdminTrackerResponse(t *model.Tracker) adminTrackerResponse {
	forms := make(map[string]string, len(t.Forms))
	for kind, id := range t.Forms {
		forms[string(kind)] = id
	}
	return adminTrackerResponse{
		ID:                 t.ID,
		CompanyID:          t.CompanyID,
		InvitationApproved: t.InvitationApproved,
		NeedsFlatbed:       !t.Plan.Skips(model.StepFlatbedTraining),
		Forms:              forms,
		Notice: noticeResponse{
			Status:       string(t.CompletionNotice.Status),
			Attempts:     t.CompletionNotice.Attempts,
			ConsentGiven: t.CompletionNotice.ConsentGiven,
			SentAt:       t.CompletionNotice.SentAt,
			LastError:    t.CompletionNotice.LastError,
		},
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		statusResponse: toStatusResponse(onboarding.BuildStatusView(t)),
	}
}

// Get は追跡レコードを返す。終了済みは404。
// GET /api/admin/trackers/{id}
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.AdminView(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdminTrackerResponse(t))
}

// Approve は招待を承認し、drive_test以降へ進めるようにする。
// POST /api/admin/trackers/{id}/approve
func (h *AdminHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, h.service.ApproveInvitation)
}

// Revoke は招待の承認を取り消す。
// POST /api/admin/trackers/{id}/revoke
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, h.service.RevokeInvitation)
}

// Terminate は追跡レコードを終了する。取り消しはできない。
// POST /api/admin/trackers/{id}/terminate
func (h *AdminHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, h.service.Terminate)
}

func (h *AdminHandler) apply(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	if err := op(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
