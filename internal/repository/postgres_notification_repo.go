package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/driverhire/internal/model"
)

// PostgresNotificationRepo はPostgreSQLを使用した完了通知リポジトリ。
type PostgresNotificationRepo struct {
	db *sql.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sql.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

// eligibleNoticeSQL は候補検索とクレームで共通の送信対象条件。
// $1 = 最大試行回数, $2 = 期限切れと見なすクレーム日時
const eligibleNoticeSQL = `t.completed = TRUE
	AND t.notice_consent = TRUE
	AND t.terminated = FALSE
	AND t.notice_attempts < $1
	AND (t.notice_status IN ('NOT_SENT', 'PENDING', 'ERROR')
	     OR (t.notice_status = 'SENDING' AND t.notice_claimed_at < $2))`

// ListNotificationCandidates は送信候補を更新日時の古い順に取得する。
func (r *PostgresNotificationRepo) ListNotificationCandidates(ctx context.Context, e NotificationEligibility, limit int) ([]NotificationCandidate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.id, a.email, a.applicant_name, t.notice_status, t.notice_attempts
		 FROM trackers t
		 JOIN application_forms a ON a.id::text = t.forms->>'driverApplication'
		 WHERE `+eligibleNoticeSQL+`
		   AND a.email <> ''
		 ORDER BY t.updated_at ASC
		 LIMIT $3`,
		e.MaxAttempts, e.StaleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("通知候補の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var candidates []NotificationCandidate
	for rows.Next() {
		var c NotificationCandidate
		var status string
		if err := rows.Scan(&c.TrackerID, &c.Email, &c.ApplicantName, &status, &c.Attempts); err != nil {
			return nil, fmt.Errorf("通知候補のスキャンに失敗しました: %w", err)
		}
		c.Status = model.NotificationStatus(status)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知候補の取得に失敗しました: %w", err)
	}
	return candidates, nil
}

// ClaimNotification は送信対象条件を満たす場合のみSENDINGに遷移させる。
// 条件自体をUPDATEのWHERE句に含めるため、同時に実行されても成功するのは1件のみ。
func (r *PostgresNotificationRepo) ClaimNotification(ctx context.Context, trackerID string, e NotificationEligibility) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE trackers t
		 SET notice_status = 'SENDING', notice_claimed_at = $3, updated_at = $3
		 WHERE t.id = $4 AND `+eligibleNoticeSQL,
		e.MaxAttempts, e.StaleBefore, e.Now, trackerID,
	)
	if err != nil {
		return false, fmt.Errorf("通知のクレームに失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkNotificationSent は送信完了を記録する。
func (r *PostgresNotificationRepo) MarkNotificationSent(ctx context.Context, trackerID string, sentAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE trackers
		 SET notice_status = 'SENT', notice_sent_at = $2, notice_last_error = '',
		     notice_claimed_at = NULL, updated_at = $2
		 WHERE id = $1 AND notice_status = 'SENDING'`,
		trackerID, sentAt,
	)
	if err != nil {
		return fmt.Errorf("送信完了の記録に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// MarkNotificationFailed は送信失敗を記録する。
// SETの右辺は更新前の値を参照するため、attempts+1で判定する。
func (r *PostgresNotificationRepo) MarkNotificationFailed(ctx context.Context, trackerID, reason string, maxAttempts int, now time.Time) (model.NotificationStatus, int, error) {
	var status string
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`UPDATE trackers
		 SET notice_attempts = notice_attempts + 1,
		     notice_status = CASE WHEN notice_attempts + 1 >= $3 THEN 'ERROR' ELSE 'PENDING' END,
		     notice_last_error = $2,
		     notice_claimed_at = NULL,
		     updated_at = $4
		 WHERE id = $1 AND notice_status = 'SENDING'
		 RETURNING notice_status, notice_attempts`,
		trackerID, reason, maxAttempts, now,
	).Scan(&status, &attempts)
	if err == sql.ErrNoRows {
		return "", 0, ErrVersionConflict
	}
	if err != nil {
		return "", 0, fmt.Errorf("送信失敗の記録に失敗しました: %w", err)
	}
	return model.NotificationStatus(status), attempts, nil
}

// compile-time interface check
var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
