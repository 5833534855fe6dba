package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/driverhire/internal/middleware"
	"github.com/hitoshi/driverhire/internal/model"
	"github.com/hitoshi/driverhire/internal/worker/cleanup"
	"github.com/hitoshi/driverhire/internal/worker/notify"
)

// NotificationSweeper は完了通知スイープを1回実行する。
type NotificationSweeper interface {
	RunOnce(ctx context.Context, limit int) (notify.Result, error)
}

// ExpiredSweeper は期限切れ申請の削除を1バッチ実行する。
type ExpiredSweeper interface {
	Run(ctx context.Context, limit int) (cleanup.Result, error)
}

// CronHandler は外部スケジューラーから呼ばれるスイープのHTTPハンドラー。
type CronHandler struct {
	notifier NotificationSweeper
	reaper   ExpiredSweeper
}

// NewCronHandler はCronHandlerを生成する。
func NewCronHandler(notifier NotificationSweeper, reaper ExpiredSweeper) *CronHandler {
	return &CronHandler{notifier: notifier, reaper: reaper}
}

func limitOrError(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit, err := parseLimit(r)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError(err.Error()))
		return 0, false
	}
	return limit, true
}

// Notifications は完了通知スイープを実行し、要約を返す。
// POST /internal/cron/notifications?limit=
func (h *CronHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitOrError(w, r)
	if !ok {
		return
	}
	res, err := h.notifier.RunOnce(r.Context(), limit)
	if err != nil {
		slog.Error("完了通知スイープに失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Cleanup は期限切れ申請の削除を実行し、要約を返す。
// POST /internal/cron/cleanup?limit=
func (h *CronHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitOrError(w, r)
	if !ok {
		return
	}
	res, err := h.reaper.Run(r.Context(), limit)
	if err != nil {
		slog.Error("期限切れ申請の削除に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
