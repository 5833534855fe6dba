package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/driverhire/internal/auth"
	"github.com/hitoshi/driverhire/internal/mail"
	"github.com/hitoshi/driverhire/internal/model"
	"github.com/hitoshi/driverhire/internal/onboarding"
	"github.com/hitoshi/driverhire/internal/repository"
	"github.com/hitoshi/driverhire/internal/security"
)

var resumeNow = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

// --- モック定義 ---

type mockSender struct {
	mu     sync.Mutex
	sent   []mail.Message
	sendFn func(ctx context.Context, msg mail.Message) error
}

func (m *mockSender) Send(ctx context.Context, msg mail.Message) error {
	if m.sendFn != nil {
		if err := m.sendFn(ctx, msg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

var codePattern = regexp.MustCompile(`\d{6}`)

func (m *mockSender) lastCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("メールが送信されていない")
	}
	code := codePattern.FindString(m.sent[len(m.sent)-1].Text)
	if code == "" {
		t.Fatal("本文に確認コードがない")
	}
	return code
}

type fixture struct {
	store      *repository.MemoryStore
	onboarding *onboarding.Service
	resume     *Service
	sender     *mockSender
	issuer     *auth.TokenIssuer
	protector  *security.IdentityProtector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	protector, err := security.NewIdentityProtector("resume-test-hash-key", strings.Repeat("cd", 32))
	if err != nil {
		t.Fatalf("NewIdentityProtector failed: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(strings.Repeat("s", 32), time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer failed: %v", err)
	}
	issuer.SetClock(func() time.Time { return resumeNow })

	store := repository.NewMemoryStore()
	sender := &mockSender{}
	onb := onboarding.NewService(store, protector, nil, 72*time.Hour)
	onb.SetClock(func() time.Time { return resumeNow })

	svc := NewService(store, store, store, protector, sender,
		mail.NewTemplates(security.NewTextSanitizer(), ""), issuer, DefaultConfig())
	svc.SetClock(func() time.Time { return resumeNow })

	return &fixture{store: store, onboarding: onb, resume: svc, sender: sender, issuer: issuer, protector: protector}
}

// withCodes は確認コードの保存先を差し替えたServiceを返す。
func (f *fixture) withCodes(codes repository.VerificationCodeRepository) *Service {
	svc := NewService(f.store, f.store, codes, f.protector, f.sender,
		mail.NewTemplates(security.NewTextSanitizer(), ""), f.issuer, DefaultConfig())
	svc.SetClock(func() time.Time { return resumeNow })
	return svc
}

// staleCodes は常に発行直後(試行0回)の状態を返すFindで、
// 並行した照合が同じ古い試行回数を読んだ状況を再現する。
type staleCodes struct {
	repository.VerificationCodeRepository
	mu       sync.Mutex
	snapshot *model.VerificationCode
}

func (s *staleCodes) Find(ctx context.Context, trackerID, purpose, identityHash, contactHash string) (*model.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		vc, err := s.VerificationCodeRepository.Find(ctx, trackerID, purpose, identityHash, contactHash)
		if err != nil || vc == nil {
			return vc, err
		}
		s.snapshot = vc
	}
	out := *s.snapshot
	return &out, nil
}

// gatedCodes は全ての呼び出し元がFindを終えるまで照合に進ませない。
type gatedCodes struct {
	repository.VerificationCodeRepository
	ready    sync.WaitGroup
	reserved atomic.Int32
}

func (g *gatedCodes) Find(ctx context.Context, trackerID, purpose, identityHash, contactHash string) (*model.VerificationCode, error) {
	vc, err := g.VerificationCodeRepository.Find(ctx, trackerID, purpose, identityHash, contactHash)
	g.ready.Done()
	g.ready.Wait()
	return vc, err
}

func (g *gatedCodes) ReserveAttempt(ctx context.Context, id string) (int, error) {
	n, err := g.VerificationCodeRepository.ReserveAttempt(ctx, id)
	if err == nil {
		g.reserved.Add(1)
	}
	return n, err
}

func (f *fixture) start(t *testing.T, identity, email string) *model.Tracker {
	t.Helper()
	tr, err := f.onboarding.Start(context.Background(), onboarding.StartInput{
		Identity:         identity,
		PreQualification: json.RawMessage(`{}`),
		ApplicationPage1: json.RawMessage(`{"email":"` + email + `","name":"Hanako"}`),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return tr
}

func requireCode(t *testing.T, err error, code string) *model.APIError {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError %s", err, code)
	}
	if apiErr.Code != code {
		t.Fatalf("code = %s, want %s", apiErr.Code, code)
	}
	return apiErr
}

// --- テスト ---

func TestService_RequestAndConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.start(t, "ID-100", "hanako@example.com")

	res, err := f.resume.Request(ctx, "id 100")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if !res.CodeExpiresAt.Equal(resumeNow.Add(10 * time.Minute)) {
		t.Errorf("CodeExpiresAt = %v", res.CodeExpiresAt)
	}
	if got := f.sender.sent[0].To; got != "hanako@example.com" {
		t.Errorf("To = %q", got)
	}

	confirmed, err := f.resume.Confirm(ctx, "ID-100", f.sender.lastCode(t))
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if confirmed.TrackerID != tr.ID || confirmed.Completed {
		t.Errorf("confirmed = %+v", confirmed)
	}
	if confirmed.CurrentStep != model.StepApplicationPage2 {
		t.Errorf("CurrentStep = %s", confirmed.CurrentStep)
	}

	trackerID, err := f.issuer.Verify(confirmed.Session.Token)
	if err != nil || trackerID != tr.ID {
		t.Errorf("Verify = %q, %v", trackerID, err)
	}
}

func TestService_Confirm_SingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "ID-200", "a@example.com")

	if _, err := f.resume.Request(ctx, "ID-200"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	code := f.sender.lastCode(t)
	if _, err := f.resume.Confirm(ctx, "ID-200", code); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	_, err := f.resume.Confirm(ctx, "ID-200", code)
	apiErr := requireCode(t, err, model.ErrCodeCodeInvalid)
	if apiErr.Kind != model.KindUnauthorized {
		t.Errorf("Kind = %s", apiErr.Kind)
	}
}

func TestService_Confirm_ConcurrentSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "ID-210", "a@example.com")

	if _, err := f.resume.Request(ctx, "ID-210"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	code := f.sender.lastCode(t)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.resume.Confirm(ctx, "ID-210", code); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("成功数 = %d, want 1", success)
	}
}

func TestService_Confirm_WrongCodeCountsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "ID-300", "a@example.com")

	if _, err := f.resume.Request(ctx, "ID-300"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	code := f.sender.lastCode(t)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for want := 4; want >= 0; want-- {
		_, err := f.resume.Confirm(ctx, "ID-300", wrong)
		apiErr := requireCode(t, err, model.ErrCodeCodeInvalid)
		if apiErr.Remaining == nil || *apiErr.Remaining != want {
			t.Fatalf("Remaining = %v, want %d", apiErr.Remaining, want)
		}
	}

	// 上限に達した後は正しいコードでも拒否され、コードは破棄される
	_, err := f.resume.Confirm(ctx, "ID-300", code)
	apiErr := requireCode(t, err, model.ErrCodeCodeAttemptsExceeded)
	if apiErr.Kind != model.KindRateLimited {
		t.Errorf("Kind = %s", apiErr.Kind)
	}
	_, err = f.resume.Confirm(ctx, "ID-300", code)
	requireCode(t, err, model.ErrCodeCodeInvalid)
}

func TestService_Confirm_StaleAttemptCountStillLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "ID-310", "a@example.com")

	if _, err := f.resume.Request(ctx, "ID-310"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	code := f.sender.lastCode(t)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	svc := f.withCodes(&staleCodes{VerificationCodeRepository: f.store})
	for i := 0; i < DefaultConfig().MaxAttempts; i++ {
		_, err := svc.Confirm(ctx, "ID-310", wrong)
		requireCode(t, err, model.ErrCodeCodeInvalid)
	}

	// 読み取った試行回数が0のままでも、保存側の上限で正しいコードは比較されない
	_, err := svc.Confirm(ctx, "ID-310", code)
	requireCode(t, err, model.ErrCodeCodeAttemptsExceeded)
}

func TestService_Confirm_ConcurrentGuessesBoundedByMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "ID-320", "a@example.com")

	if _, err := f.resume.Request(ctx, "ID-320"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	code := f.sender.lastCode(t)

	const callers = 20
	codes := &gatedCodes{VerificationCodeRepository: f.store}
	codes.ready.Add(callers)
	svc := f.withCodes(codes)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < callers; i++ {
		guess := fmt.Sprintf("%06d", i)
		if guess == code {
			guess = "999999"
		}
		if i == callers-1 {
			guess = code
		}
		wg.Add(1)
		go func(guess string) {
			defer wg.Done()
			if _, err := svc.Confirm(ctx, "ID-320", guess); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(guess)
	}
	wg.Wait()

	maxAttempts := DefaultConfig().MaxAttempts
	if got := int(codes.reserved.Load()); got > maxAttempts {
		t.Errorf("照合された回数 = %d, want <= %d", got, maxAttempts)
	}
	if success > 1 {
		t.Errorf("成功数 = %d, want <= 1", success)
	}
}

func TestService_Confirm_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "ID-400", "a@example.com")

	if _, err := f.resume.Request(ctx, "ID-400"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	code := f.sender.lastCode(t)

	f.resume.SetClock(func() time.Time { return resumeNow.Add(11 * time.Minute) })
	_, err := f.resume.Confirm(ctx, "ID-400", code)
	requireCode(t, err, model.ErrCodeCodeExpired)

	// 期限切れのコードは削除されている
	_, err = f.resume.Confirm(ctx, "ID-400", code)
	requireCode(t, err, model.ErrCodeCodeInvalid)
}

func TestService_Request_ReplacesPreviousCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "ID-500", "a@example.com")

	if _, err := f.resume.Request(ctx, "ID-500"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	first := f.sender.lastCode(t)
	if _, err := f.resume.Request(ctx, "ID-500"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	second := f.sender.lastCode(t)

	if first != second {
		_, err := f.resume.Confirm(ctx, "ID-500", first)
		requireCode(t, err, model.ErrCodeCodeInvalid)
	}
	if _, err := f.resume.Confirm(ctx, "ID-500", second); err != nil {
		t.Fatalf("新しいコードで確認できること: %v", err)
	}
}

func TestService_Request_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resume.Request(ctx, "UNKNOWN")
	requireCode(t, err, model.ErrCodeTrackerNotFound)

	_, err = f.resume.Request(ctx, "  ")
	requireCode(t, err, model.ErrCodeTrackerNotFound)

	tr := f.start(t, "ID-600", "a@example.com")
	if err := f.onboarding.Terminate(ctx, tr.ID); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	_, err = f.resume.Request(ctx, "ID-600")
	requireCode(t, err, model.ErrCodeTrackerNotFound)

	f.start(t, "ID-700", "a@example.com")
	f.resume.SetClock(func() time.Time { return resumeNow.Add(73 * time.Hour) })
	_, err = f.resume.Request(ctx, "ID-700")
	requireCode(t, err, model.ErrCodeResumeExpired)

	if len(f.sender.sent) != 0 {
		t.Errorf("失敗時はメールを送信しないこと: %d通", len(f.sender.sent))
	}
}

func TestService_Request_NoContact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.onboarding.Start(ctx, onboarding.StartInput{
		Identity:         "ID-800",
		PreQualification: json.RawMessage(`{}`),
		ApplicationPage1: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err = f.resume.Request(ctx, "ID-800")
	requireCode(t, err, model.ErrCodeTrackerNotFound)
}

func TestService_Request_DeliveryFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "ID-900", "a@example.com")
	f.sender.sendFn = func(context.Context, mail.Message) error {
		return errors.New("smtp down")
	}

	_, err := f.resume.Request(ctx, "ID-900")
	apiErr := requireCode(t, err, model.ErrCodeDeliveryFailed)
	if apiErr.Kind != model.KindTransient {
		t.Errorf("Kind = %s", apiErr.Kind)
	}
}

func TestService_Confirm_CompletedTracker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.start(t, "ID-950", "a@example.com")

	steps := []model.Step{
		model.StepApplicationPage2, model.StepApplicationPage3, model.StepApplicationPage4,
		model.StepApplicationPage5, model.StepPoliciesConsents,
	}
	for _, step := range steps {
		if _, err := f.onboarding.SubmitStep(ctx, tr.ID, step, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("SubmitStep(%s) failed: %v", step, err)
		}
	}
	if err := f.onboarding.ApproveInvitation(ctx, tr.ID); err != nil {
		t.Fatalf("ApproveInvitation failed: %v", err)
	}
	for _, step := range []model.Step{model.StepDriveTest, model.StepDrugTest, model.StepCarriersEdgeTraining} {
		if _, err := f.onboarding.SubmitStep(ctx, tr.ID, step, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("SubmitStep(%s) failed: %v", step, err)
		}
	}

	// 完了済みのレコードは再開期限に関係なく確認できる
	f.resume.SetClock(func() time.Time { return resumeNow.Add(365 * 24 * time.Hour) })
	if _, err := f.resume.Request(ctx, "ID-950"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	confirmed, err := f.resume.Confirm(ctx, "ID-950", f.sender.lastCode(t))
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if !confirmed.Completed || confirmed.CurrentStep != model.StepCompleted {
		t.Errorf("confirmed = %+v", confirmed)
	}
}
