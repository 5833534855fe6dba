// Package auth は再開セッションのクレデンシャル（署名付きトークン）の発行と検証を提供する。
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/driverhire/internal/model"
)

// DefaultSessionTTL は再開セッションの有効期間のデフォルト値。
const DefaultSessionTTL = 6 * time.Hour

const tokenIssuer = "driverhire"

// ErrInvalidToken はトークンが不正・期限切れ・署名不一致の場合に返される。
var ErrInvalidToken = errors.New("invalid session token")

// sessionClaims は再開セッションのクレーム。subjectに追跡IDを持つ。
type sessionClaims struct {
	jwt.RegisteredClaims
}

// TokenIssuer はHS256で署名した再開セッショントークンを発行・検証する。
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。secretは32バイト以上必要。
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("セッション秘密鍵は32バイト以上必要です")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// SetClock はテスト用に時刻の取得関数を差し替える。
func (i *TokenIssuer) SetClock(now func() time.Time) {
	i.now = now
}

// TTL はセッションの有効期間を返す。
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue は追跡IDに束縛したセッションを発行する。
func (i *TokenIssuer) Issue(trackerID string) (*model.ResumeSession, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   trackerID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("セッショントークンの署名に失敗しました: %w", err)
	}
	return &model.ResumeSession{
		Token:     signed,
		TrackerID: trackerID,
		ExpiresAt: expiresAt.Truncate(time.Second),
	}, nil
}

// Verify はトークンを検証し、追跡IDを返す。
func (i *TokenIssuer) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
