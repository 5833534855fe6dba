// Package resume は申請再開のための2段階の本人確認を提供する。
// 要求（確認コードのメール送信）と確認（コード照合とセッション発行）からなる。
package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/driverhire/internal/mail"
	"github.com/hitoshi/driverhire/internal/model"
	"github.com/hitoshi/driverhire/internal/onboarding"
	"github.com/hitoshi/driverhire/internal/repository"
	"github.com/hitoshi/driverhire/internal/security"
)

// Config は確認コードの設定。
type Config struct {
	// CodeTTL は確認コードの有効期間（デフォルト: 10分）。
	CodeTTL time.Duration
	// MaxAttempts は確認コードの最大試行回数（デフォルト: 5）。
	MaxAttempts int
	// CodeDigits は確認コードの桁数（デフォルト: 6）。
	CodeDigits int
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		CodeTTL:     10 * time.Minute,
		MaxAttempts: 5,
		CodeDigits:  6,
	}
}

// Hasher は本人識別番号・連絡先・確認コードの鍵付きハッシュを計算する。
type Hasher interface {
	HashIdentity(identity string) string
	HashContact(email string) string
	HashCode(trackerID, code string) string
}

// TrackerFinder は本人識別番号のハッシュから追跡レコードを検索する。
type TrackerFinder interface {
	FindByIdentityHash(ctx context.Context, identityHash string) (*model.Tracker, error)
}

// SessionIssuer は追跡IDに束縛したセッションを発行する。
type SessionIssuer interface {
	Issue(trackerID string) (*model.ResumeSession, error)
}

// CodeMessages は確認コードのメールを組み立てる。
type CodeMessages interface {
	ResumeCode(to, name, code string, ttl time.Duration) (mail.Message, error)
}

// RequestResult は再開要求の結果。
type RequestResult struct {
	CodeExpiresAt time.Time
}

// ConfirmResult は確認成功時の結果。
// Completedがtrueの場合、呼び出し側は途中再開ではなく完了画面を表示する。
type ConfirmResult struct {
	Session     *model.ResumeSession
	TrackerID   string
	CurrentStep model.Step
	Completed   bool
}

// Service は再開フローのサービス層。
type Service struct {
	trackers TrackerFinder
	contacts repository.ContactLookup
	codes    repository.VerificationCodeRepository
	hasher   Hasher
	sender   mail.Sender
	messages CodeMessages
	issuer   SessionIssuer
	config   Config
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	trackers TrackerFinder,
	contacts repository.ContactLookup,
	codes repository.VerificationCodeRepository,
	hasher Hasher,
	sender mail.Sender,
	messages CodeMessages,
	issuer SessionIssuer,
	config Config,
) *Service {
	def := DefaultConfig()
	if config.CodeTTL <= 0 {
		config.CodeTTL = def.CodeTTL
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.CodeDigits <= 0 {
		config.CodeDigits = def.CodeDigits
	}
	return &Service{
		trackers: trackers,
		contacts: contacts,
		codes:    codes,
		hasher:   hasher,
		sender:   sender,
		messages: messages,
		issuer:   issuer,
		config:   config,
		now:      time.Now,
	}
}

// SetClock はテスト用に時刻の取得関数を差し替える。
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// lookup は本人識別番号から再開可能な追跡レコードと連絡先を取得する。
func (s *Service) lookup(ctx context.Context, identity string) (*model.Tracker, *repository.Contact, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, nil, model.NewTrackerNotFoundError()
	}
	t, err := s.trackers.FindByIdentityHash(ctx, s.hasher.HashIdentity(identity))
	if err != nil {
		return nil, nil, fmt.Errorf("追跡レコードの取得に失敗しました: %w", err)
	}
	if t == nil || t.Terminated {
		return nil, nil, model.NewTrackerNotFoundError()
	}
	if t.ResumeExpired(s.now()) {
		return nil, nil, model.NewResumeExpiredError()
	}

	contact, err := s.contacts.FindContact(ctx, t.Forms[model.FormDriverApplication])
	if err != nil {
		return nil, nil, fmt.Errorf("連絡先の取得に失敗しました: %w", err)
	}
	if contact == nil || contact.Email == "" {
		return nil, nil, model.NewTrackerNotFoundError()
	}
	return t, contact, nil
}

// Request は確認コードを発行し、登録済みのメールアドレスに送信する。
// 同じ追跡レコードの未使用コードは置き換えられる。
func (s *Service) Request(ctx context.Context, identity string) (*RequestResult, error) {
	t, contact, err := s.lookup(ctx, identity)
	if err != nil {
		return nil, err
	}

	code, err := security.GenerateNumericCode(s.config.CodeDigits)
	if err != nil {
		return nil, err
	}
	now := s.now()
	vc := &model.VerificationCode{
		ID:           uuid.NewString(),
		TrackerID:    t.ID,
		Purpose:      model.VerificationPurposeResume,
		IdentityHash: t.IdentityHash,
		ContactHash:  s.hasher.HashContact(contact.Email),
		CodeHash:     s.hasher.HashCode(t.ID, code),
		ExpiresAt:    now.Add(s.config.CodeTTL),
		MaxAttempts:  s.config.MaxAttempts,
		CreatedAt:    now,
	}
	if err := s.codes.Replace(ctx, vc); err != nil {
		return nil, fmt.Errorf("確認コードの保存に失敗しました: %w", err)
	}

	msg, err := s.messages.ResumeCode(contact.Email, contact.Name, code, s.config.CodeTTL)
	if err != nil {
		return nil, err
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		slog.Error("確認コードの送信に失敗しました",
			slog.String("tracker_id", t.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewDeliveryFailedError()
	}

	slog.Info("確認コードを発行しました", slog.String("tracker_id", t.ID))
	return &RequestResult{CodeExpiresAt: vc.ExpiresAt}, nil
}

// Confirm は確認コードを照合し、一致すればセッションを発行する。
// コードは一致した時点で削除され、再利用できない。
func (s *Service) Confirm(ctx context.Context, identity, code string) (*ConfirmResult, error) {
	t, contact, err := s.lookup(ctx, identity)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.NewCodeInvalidError(-1)
		}
		return nil, err
	}

	vc, err := s.codes.Find(ctx, t.ID, model.VerificationPurposeResume, t.IdentityHash, s.hasher.HashContact(contact.Email))
	if err != nil {
		return nil, fmt.Errorf("確認コードの取得に失敗しました: %w", err)
	}
	if vc == nil {
		return nil, model.NewCodeInvalidError(-1)
	}

	if vc.Expired(s.now()) {
		s.discard(ctx, vc)
		return nil, model.NewCodeExpiredError()
	}
	if vc.Exhausted() {
		s.discard(ctx, vc)
		return nil, model.NewCodeAttemptsExceededError()
	}

	// 照合の前に試行枠を確保する。並行した照合もそれぞれ1回として数えられ、
	// 上限を超えた照合はコードと比較されない。
	attempts, err := s.codes.ReserveAttempt(ctx, vc.ID)
	switch {
	case errors.Is(err, repository.ErrVerificationAttemptsExhausted):
		s.discard(ctx, vc)
		return nil, model.NewCodeAttemptsExceededError()
	case errors.Is(err, repository.ErrVerificationNotFound):
		return nil, model.NewCodeInvalidError(-1)
	case err != nil:
		return nil, fmt.Errorf("試行回数の更新に失敗しました: %w", err)
	}

	if !security.EqualHash(vc.CodeHash, s.hasher.HashCode(t.ID, code)) {
		remaining := vc.MaxAttempts - attempts
		if remaining < 0 {
			remaining = 0
		}
		slog.Info("確認コードが一致しませんでした",
			slog.String("tracker_id", t.ID),
			slog.Int("remaining", remaining),
		)
		return nil, model.NewCodeInvalidError(remaining)
	}

	consumed, err := s.codes.Consume(ctx, vc.ID)
	if err != nil {
		return nil, fmt.Errorf("確認コードの削除に失敗しました: %w", err)
	}
	if !consumed {
		// 同じコードで並行して確認され、先に消費された
		return nil, model.NewCodeInvalidError(-1)
	}

	session, err := s.issuer.Issue(t.ID)
	if err != nil {
		return nil, err
	}
	slog.Info("申請の再開を確認しました",
		slog.String("tracker_id", t.ID),
		slog.Bool("completed", t.Status.Completed),
	)
	return &ConfirmResult{
		Session:     session,
		TrackerID:   t.ID,
		CurrentStep: onboarding.ResumeStep(t),
		Completed:   t.Status.Completed,
	}, nil
}

// discard は使えなくなった確認コードを削除する。削除の失敗はログに残すのみ。
func (s *Service) discard(ctx context.Context, vc *model.VerificationCode) {
	if _, err := s.codes.Consume(ctx, vc.ID); err != nil {
		slog.Warn("確認コードの削除に失敗しました",
			slog.String("tracker_id", vc.TrackerID),
			slog.String("error", err.Error()),
		)
	}
}
