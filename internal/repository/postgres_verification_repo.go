package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/driverhire/internal/model"
)

// PostgresVerificationRepo はPostgreSQLを使用した確認コードリポジトリ。
type PostgresVerificationRepo struct {
	db *sql.DB
}

// NewPostgresVerificationRepo はPostgresVerificationRepoを生成する。
func NewPostgresVerificationRepo(db *sql.DB) *PostgresVerificationRepo {
	return &PostgresVerificationRepo{db: db}
}

// Replace は同じ追跡レコード・用途の既存コードを置き換える。
func (r *PostgresVerificationRepo) Replace(ctx context.Context, code *model.VerificationCode) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO verification_codes
			(id, tracker_id, purpose, identity_hash, contact_hash, code_hash, expires_at, attempts, max_attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tracker_id, purpose) DO UPDATE SET
			id = EXCLUDED.id,
			identity_hash = EXCLUDED.identity_hash,
			contact_hash = EXCLUDED.contact_hash,
			code_hash = EXCLUDED.code_hash,
			expires_at = EXCLUDED.expires_at,
			attempts = EXCLUDED.attempts,
			max_attempts = EXCLUDED.max_attempts,
			created_at = EXCLUDED.created_at`,
		code.ID, code.TrackerID, code.Purpose, code.IdentityHash, code.ContactHash, code.CodeHash,
		code.ExpiresAt, code.Attempts, code.MaxAttempts, code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("確認コードの保存に失敗しました: %w", err)
	}
	return nil
}

// Find は条件に一致する確認コードを返す。見つからない場合はnilを返す。
func (r *PostgresVerificationRepo) Find(ctx context.Context, trackerID, purpose, identityHash, contactHash string) (*model.VerificationCode, error) {
	c := &model.VerificationCode{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tracker_id, purpose, identity_hash, contact_hash, code_hash,
		        expires_at, attempts, max_attempts, created_at
		 FROM verification_codes
		 WHERE tracker_id = $1 AND purpose = $2 AND identity_hash = $3 AND contact_hash = $4`,
		trackerID, purpose, identityHash, contactHash,
	).Scan(&c.ID, &c.TrackerID, &c.Purpose, &c.IdentityHash, &c.ContactHash, &c.CodeHash,
		&c.ExpiresAt, &c.Attempts, &c.MaxAttempts, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("確認コードの取得に失敗しました: %w", err)
	}
	return c, nil
}

// ReserveAttempt は上限未満の場合のみ試行回数を1つ進めて更新後の値を返す。
func (r *PostgresVerificationRepo) ReserveAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`UPDATE verification_codes SET attempts = attempts + 1
		 WHERE id = $1 AND attempts < max_attempts
		 RETURNING attempts`,
		id,
	).Scan(&attempts)
	if err == nil {
		return attempts, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("試行回数の更新に失敗しました: %w", err)
	}

	// 更新対象なし: 上限到達か削除済みかを判別する
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM verification_codes WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("確認コードの取得に失敗しました: %w", err)
	}
	if exists {
		return 0, ErrVerificationAttemptsExhausted
	}
	return 0, ErrVerificationNotFound
}

// Consume は確認コードを削除する。この呼び出しで削除できた場合のみtrueを返す。
func (r *PostgresVerificationRepo) Consume(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("確認コードの削除に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// compile-time interface check
var _ VerificationCodeRepository = (*PostgresVerificationRepo)(nil)
