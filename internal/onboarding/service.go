package onboarding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/driverhire/internal/model"
	"github.com/hitoshi/driverhire/internal/repository"
)

// DefaultResumeWindow は未完了の申請を再開できる期間のデフォルト値。
const DefaultResumeWindow = 720 * time.Hour

// defaultWriteRetries は楽観的ロックの競合時に書き込みを再試行する回数。
const defaultWriteRetries = 3

// IdentitySealer は本人識別番号のハッシュ化と暗号化を行う。
type IdentitySealer interface {
	HashIdentity(identity string) string
	Encrypt(plaintext string) ([]byte, error)
}

// StartInput は申請開始時の入力。
// プレクオリフィケーションと申請ページ1を同時に受け取る。
type StartInput struct {
	Identity         string
	CompanyID        string
	PreQualification json.RawMessage
	ApplicationPage1 json.RawMessage
}

// StepState は計画上の各ステップの表示状態。
type StepState string

const (
	StepStateCompleted StepState = "completed"
	StepStateCurrent   StepState = "current"
	StepStateLocked    StepState = "locked"
	StepStateSkipped   StepState = "skipped"
)

// StepView はステップ1件分の状態。
type StepView struct {
	Step  model.Step
	State StepState
}

// StatusView は再開画面に返す進捗の要約。
type StatusView struct {
	TrackerID        string
	CurrentStep      model.Step
	CompletedStep    model.Step
	Completed        bool
	AwaitingApproval bool
	ResumeExpiresAt  time.Time
	Steps            []StepView
}

// Service はオンボーディングのサービス層。
// 申請の開始、ステップの書き込み、進捗の参照、管理者操作を提供する。
type Service struct {
	trackers     repository.TrackerRepository
	sealer       IdentitySealer
	companies    *CompanyRegistry
	resumeWindow time.Duration
	retries      int
	now          func() time.Time
	newID        func() string
}

// NewService はServiceの新しいインスタンスを生成する。
// resumeWindowが0以下の場合はDefaultResumeWindowを使う。
func NewService(
	trackers repository.TrackerRepository,
	sealer IdentitySealer,
	companies *CompanyRegistry,
	resumeWindow time.Duration,
) *Service {
	if resumeWindow <= 0 {
		resumeWindow = DefaultResumeWindow
	}
	if companies == nil {
		companies = DefaultCompanyRegistry()
	}
	return &Service{
		trackers:     trackers,
		sealer:       sealer,
		companies:    companies,
		resumeWindow: resumeWindow,
		retries:      defaultWriteRetries,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// SetClock はテスト用に時刻の取得関数を差し替える。
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// ResumeWindow は再開可能期間を返す。
func (s *Service) ResumeWindow() time.Duration {
	return s.resumeWindow
}

type applicantContact struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Name      string `json:"name"`
}

func parseContact(payload json.RawMessage) (email, name string, err error) {
	var c applicantContact
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", "", model.NewInvalidInputError("申請ページ1の形式が不正です")
	}
	email = strings.TrimSpace(c.Email)
	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return "", "", model.NewInvalidInputError("メールアドレスの形式が不正です")
		}
		email = addr.Address
	}
	name = strings.TrimSpace(c.Name)
	if name == "" {
		name = strings.TrimSpace(c.FirstName + " " + c.LastName)
	}
	return email, name, nil
}

type consentAnswer struct {
	NotificationConsent bool `json:"notificationConsent"`
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}

// validTrackerID はIDがUUID形式かを返す。形式外のIDは未検出として扱う。
func validTrackerID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Start は申請を開始し、追跡レコードを作成する。
// プレクオリフィケーションと申請ページ1を同時に保存し、進捗はページ1完了の状態になる。
func (s *Service) Start(ctx context.Context, in StartInput) (*model.Tracker, error) {
	if strings.TrimSpace(in.Identity) == "" {
		return nil, model.NewInvalidInputError("本人識別番号は必須です")
	}
	if !isJSONObject(in.PreQualification) || !isJSONObject(in.ApplicationPage1) {
		return nil, model.NewInvalidInputError("フォームはJSONオブジェクトで送信してください")
	}

	rules, ok := s.companies.Lookup(in.CompanyID)
	if !ok {
		return nil, model.NewInvalidInputError("会社IDが不正です")
	}

	var answers PreQualificationAnswers
	if err := json.Unmarshal(in.PreQualification, &answers); err != nil {
		return nil, model.NewInvalidInputError("プレクオリフィケーションの形式が不正です")
	}
	email, name, err := parseContact(in.ApplicationPage1)
	if err != nil {
		return nil, err
	}

	encrypted, err := s.sealer.Encrypt(in.Identity)
	if err != nil {
		return nil, fmt.Errorf("本人識別番号の暗号化に失敗しました: %w", err)
	}

	now := s.now()
	t := &model.Tracker{
		ID:                s.newID(),
		IdentityHash:      s.sealer.HashIdentity(in.Identity),
		IdentityEncrypted: encrypted,
		CompanyID:         rules.ID,
		Plan:              BuildPlan(rules, answers),
		ResumeExpiresAt:   now.Add(s.resumeWindow),
		Forms:             model.FormRefs{},
		CompletionNotice:  model.CompletionNotice{Status: model.NotificationNotSent},
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	status, err := AdvanceProgress(t, model.StepApplicationPage1)
	if err != nil {
		return nil, err
	}
	t.Status = status

	forms := []model.FormDocument{
		{
			ID:        s.newID(),
			TrackerID: t.ID,
			Kind:      model.FormPreQualification,
			Payload:   in.PreQualification,
			CreatedAt: now,
		},
		{
			ID:            s.newID(),
			TrackerID:     t.ID,
			Kind:          model.FormDriverApplication,
			Page:          1,
			Payload:       in.ApplicationPage1,
			ContactEmail:  email,
			ApplicantName: name,
			CreatedAt:     now,
		},
	}
	for _, f := range forms {
		t.Forms[f.Kind] = f.ID
	}

	if err := s.trackers.Create(ctx, t, forms); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdentity) {
			return nil, model.NewDuplicateApplicantError()
		}
		return nil, fmt.Errorf("追跡レコードの作成に失敗しました: %w", err)
	}

	slog.Info("申請を開始しました",
		slog.String("tracker_id", t.ID),
		slog.String("company_id", t.CompanyID),
		slog.String("current_step", string(t.Status.CurrentStep)),
	)
	return t, nil
}

// load は追跡レコードを取得する。未検出・終了済みはTrackerNotFound。
func (s *Service) load(ctx context.Context, trackerID string) (*model.Tracker, error) {
	if !validTrackerID(trackerID) {
		return nil, model.NewTrackerNotFoundError()
	}
	t, err := s.trackers.FindByID(ctx, trackerID)
	if err != nil {
		return nil, fmt.Errorf("追跡レコードの取得に失敗しました: %w", err)
	}
	if t == nil || t.Terminated {
		return nil, model.NewTrackerNotFoundError()
	}
	return t, nil
}

// SubmitStep はステップのフォームを保存し、進捗と再開期限を同じ更新単位で進める。
// 他の書き込みと競合した場合は最新の状態を読み直して再試行する。
func (s *Service) SubmitStep(ctx context.Context, trackerID string, step model.Step, payload json.RawMessage) (*model.Tracker, error) {
	kind, ok := step.FormKind()
	if !ok {
		return nil, model.NewInvalidStepError(string(step))
	}
	if !isJSONObject(payload) {
		return nil, model.NewInvalidInputError("フォームはJSONオブジェクトで送信してください")
	}

	var email, name string
	if step == model.StepApplicationPage1 {
		var err error
		if email, name, err = parseContact(payload); err != nil {
			return nil, err
		}
	}
	var consent *bool
	if step == model.StepPoliciesConsents {
		var ans consentAnswer
		if err := json.Unmarshal(payload, &ans); err != nil {
			return nil, model.NewInvalidInputError("同意フォームの形式が不正です")
		}
		consent = &ans.NotificationConsent
	}

	for attempt := 0; attempt <= s.retries; attempt++ {
		t, err := s.load(ctx, trackerID)
		if err != nil {
			return nil, err
		}
		now := s.now()
		if t.ResumeExpired(now) {
			return nil, model.NewResumeExpiredError()
		}
		if err := CanAccessStep(t, step); err != nil {
			return nil, err
		}
		status, err := AdvanceProgress(t, step)
		if err != nil {
			return nil, err
		}

		w := repository.StepWrite{
			TrackerID:       t.ID,
			ExpectedVersion: t.Version,
			Status:          status,
			ResumeExpiresAt: now.Add(s.resumeWindow),
			Form: model.FormDocument{
				ID:            s.newID(),
				TrackerID:     t.ID,
				Kind:          kind,
				Page:          step.ApplicationPage(),
				Payload:       payload,
				ContactEmail:  email,
				ApplicantName: name,
				CreatedAt:     now,
			},
			ConsentGiven: consent,
			UpdatedAt:    now,
		}
		err = s.trackers.SaveStep(ctx, w)
		if errors.Is(err, repository.ErrVersionConflict) {
			slog.Debug("ステップ書き込みが競合しました。再試行します",
				slog.String("tracker_id", t.ID),
				slog.String("step", string(step)),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ステップの保存に失敗しました: %w", err)
		}

		t.Status = status
		t.ResumeExpiresAt = w.ResumeExpiresAt
		t.UpdatedAt = now
		t.Version++
		if consent != nil {
			t.CompletionNotice.ConsentGiven = *consent
		}
		if kind == model.FormDriverApplication {
			if _, exists := t.Forms[kind]; !exists {
				t.Forms[kind] = w.Form.ID
			}
		} else {
			t.Forms[kind] = w.Form.ID
		}

		if status.Completed {
			slog.Info("申請が完了しました", slog.String("tracker_id", t.ID))
		}
		return t, nil
	}

	slog.Warn("ステップ書き込みの競合が解消しませんでした",
		slog.String("tracker_id", trackerID),
		slog.String("step", string(step)),
	)
	return nil, model.NewConcurrentUpdateError()
}

// Status は再開画面用の進捗を返す。
func (s *Service) Status(ctx context.Context, trackerID string) (*StatusView, error) {
	t, err := s.load(ctx, trackerID)
	if err != nil {
		return nil, err
	}
	if t.ResumeExpired(s.now()) {
		return nil, model.NewResumeExpiredError()
	}
	return BuildStatusView(t), nil
}

// BuildStatusView は追跡レコードから進捗の要約を組み立てる。
func BuildStatusView(t *model.Tracker) *StatusView {
	view := &StatusView{
		TrackerID:        t.ID,
		CurrentStep:      ResumeStep(t),
		CompletedStep:    t.Status.CompletedStep,
		Completed:        t.Status.Completed,
		AwaitingApproval: AwaitingApproval(t),
		ResumeExpiresAt:  t.ResumeExpiresAt,
	}
	for _, step := range model.Steps() {
		if step == model.StepCompleted {
			continue
		}
		state := StepStateLocked
		switch {
		case t.Plan.Skips(step):
			state = StepStateSkipped
		case HasCompletedStep(t, step):
			state = StepStateCompleted
		case step == view.CurrentStep:
			state = StepStateCurrent
		}
		view.Steps = append(view.Steps, StepView{Step: step, State: state})
	}
	return view
}

// ApproveInvitation は承認ゲートを開ける。
func (s *Service) ApproveInvitation(ctx context.Context, trackerID string) error {
	return s.setApproval(ctx, trackerID, true)
}

// RevokeInvitation は承認を取り消す。書き込み済みのフォームはそのまま残る。
func (s *Service) RevokeInvitation(ctx context.Context, trackerID string) error {
	return s.setApproval(ctx, trackerID, false)
}

func (s *Service) setApproval(ctx context.Context, trackerID string, approved bool) error {
	if !validTrackerID(trackerID) {
		return model.NewTrackerNotFoundError()
	}
	ok, err := s.trackers.SetInvitationApproved(ctx, trackerID, approved, s.now())
	if err != nil {
		return fmt.Errorf("承認状態の更新に失敗しました: %w", err)
	}
	if !ok {
		return model.NewTrackerNotFoundError()
	}
	slog.Info("承認状態を更新しました",
		slog.String("tracker_id", trackerID),
		slog.Bool("approved", approved),
	)
	return nil
}

// Terminate は追跡レコードを終了する。終了は取り消せない。
func (s *Service) Terminate(ctx context.Context, trackerID string) error {
	if !validTrackerID(trackerID) {
		return model.NewTrackerNotFoundError()
	}
	ok, err := s.trackers.Terminate(ctx, trackerID, s.now())
	if err != nil {
		return fmt.Errorf("追跡レコードの終了に失敗しました: %w", err)
	}
	if !ok {
		return model.NewTrackerNotFoundError()
	}
	slog.Info("追跡レコードを終了しました", slog.String("tracker_id", trackerID))
	return nil
}

// AdminView は管理者向けに追跡レコードを返す。終了済みは未検出として扱う。
func (s *Service) AdminView(ctx context.Context, trackerID string) (*model.Tracker, error) {
	return s.load(ctx, trackerID)
}
