package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/driverhire/internal/model"
)

// PostgresReaperRepo はPostgreSQLを使用したリーパー用リポジトリ。
type PostgresReaperRepo struct {
	db *sql.DB
}

// NewPostgresReaperRepo はPostgresReaperRepoを生成する。
func NewPostgresReaperRepo(db *sql.DB) *PostgresReaperRepo {
	return &PostgresReaperRepo{db: db}
}

// ListExpiredTrackers は未完了かつ再開期限切れの追跡レコードを取得する。
func (r *PostgresReaperRepo) ListExpiredTrackers(ctx context.Context, now time.Time, limit int) ([]ExpiredTracker, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, forms FROM trackers
		 WHERE completed = FALSE AND resume_expires_at <= $1
		 ORDER BY resume_expires_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("期限切れ追跡レコードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var out []ExpiredTracker
	for rows.Next() {
		var et ExpiredTracker
		var raw []byte
		if err := rows.Scan(&et.ID, &raw); err != nil {
			return nil, fmt.Errorf("期限切れ追跡レコードのスキャンに失敗しました: %w", err)
		}
		refs, err := decodeFormRefs(raw)
		if err != nil {
			return nil, err
		}
		et.Forms = refs
		out = append(out, et)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("期限切れ追跡レコードの取得に失敗しました: %w", err)
	}
	return out, nil
}

// DeleteExpiredBatch は子フォームと追跡レコードを1トランザクションで削除する。
// 確認コードは外部キーのON DELETE CASCADEで削除される。
func (r *PostgresReaperRepo) DeleteExpiredBatch(ctx context.Context, batch DeleteBatch) (DeleteResult, error) {
	result := DeleteResult{Children: make(map[model.FormKind]int64)}
	if len(batch.TrackerIDs) == 0 {
		return result, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 条件を再確認してロックする。一覧取得後に完了した・期限が延長されたレコードは除外される。
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM trackers
		 WHERE id = ANY($1::uuid[]) AND completed = FALSE AND resume_expires_at <= $2
		 FOR UPDATE`,
		pq.Array(batch.TrackerIDs), batch.Now,
	)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("削除対象のロックに失敗しました: %w", err)
	}
	var locked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return DeleteResult{}, fmt.Errorf("削除対象のスキャンに失敗しました: %w", err)
		}
		locked = append(locked, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DeleteResult{}, fmt.Errorf("削除対象のロックに失敗しました: %w", err)
	}
	if len(locked) == 0 {
		return result, nil
	}

	for _, kind := range model.FormKinds() {
		ids := batch.Children[kind]
		if len(ids) == 0 {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM `+formTables[kind]+`
			 WHERE id = ANY($1::uuid[]) AND tracker_id = ANY($2::uuid[])`,
			pq.Array(ids), pq.Array(locked),
		)
		if err != nil {
			return DeleteResult{}, fmt.Errorf("子フォーム(%s)の削除に失敗しました: %w", kind, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return DeleteResult{}, fmt.Errorf("failed to get rows affected: %w", err)
		}
		result.Children[kind] = n
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM trackers WHERE id = ANY($1::uuid[])`,
		pq.Array(locked),
	)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("追跡レコードの削除に失敗しました: %w", err)
	}
	result.Trackers, err = res.RowsAffected()
	if err != nil {
		return DeleteResult{}, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DeleteResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

// compile-time interface check
var _ ReaperRepository = (*PostgresReaperRepo)(nil)
