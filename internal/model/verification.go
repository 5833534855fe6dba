package model

import "time"

// VerificationPurposeResume は再開フロー用の確認コードを表す。
const VerificationPurposeResume = "resume"

// VerificationCode は再開フローで発行する一時的な確認コード。
// コード自体は保存せず、ハッシュのみを保持する。
type VerificationCode struct {
	ID           string
	TrackerID    string
	Purpose      string
	IdentityHash string
	ContactHash  string
	CodeHash     string
	ExpiresAt    time.Time
	Attempts     int
	MaxAttempts  int
	CreatedAt    time.Time
}

// Expired は有効期限を過ぎているかを返す。
func (c *VerificationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Exhausted は試行回数が上限に達しているかを返す。
func (c *VerificationCode) Exhausted() bool {
	return c.Attempts >= c.MaxAttempts
}

// ResumeSession は再開セッション（署名付きクレデンシャル）の内容。
type ResumeSession struct {
	Token     string
	TrackerID string
	ExpiresAt time.Time
}
