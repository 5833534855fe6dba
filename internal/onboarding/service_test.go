package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/driverhire/internal/model"
	"github.com/hitoshi/driverhire/internal/repository"
	"github.com/hitoshi/driverhire/internal/security"
)

var serviceNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, trackers repository.TrackerRepository) *Service {
	t.Helper()
	protector, err := security.NewIdentityProtector("onboarding-test-hash-key", strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("NewIdentityProtector failed: %v", err)
	}
	svc := NewService(trackers, protector, DefaultCompanyRegistry(), 48*time.Hour)
	svc.SetClock(func() time.Time { return serviceNow })
	return svc
}

func startInput(identity string) StartInput {
	return StartInput{
		Identity:         identity,
		PreQualification: json.RawMessage(`{"willHaulFlatbed":false}`),
		ApplicationPage1: json.RawMessage(`{"email":"Driver@Example.com","firstName":"Taro","lastName":"Yamada"}`),
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError %s", err, code)
	}
	if apiErr.Code != code {
		t.Fatalf("code = %s, want %s", apiErr.Code, code)
	}
}

func TestService_Start(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := newTestService(t, store)

	tr, err := svc.Start(context.Background(), startInput("123-45-6789"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if tr.Status.CurrentStep != model.StepApplicationPage2 || tr.Status.CompletedStep != model.StepApplicationPage1 {
		t.Errorf("status = %+v", tr.Status)
	}
	if !tr.ResumeExpiresAt.Equal(serviceNow.Add(48 * time.Hour)) {
		t.Errorf("ResumeExpiresAt = %v", tr.ResumeExpiresAt)
	}
	if tr.IdentityHash == "" || strings.Contains(string(tr.IdentityEncrypted), "6789") {
		t.Error("本人識別番号はハッシュと暗号文でのみ保持されること")
	}
	if tr.Plan.NeedsFlatbedTraining {
		t.Error("フラットベッド研修は不要のはず")
	}

	stored, err := store.FindByID(context.Background(), tr.ID)
	if err != nil || stored == nil {
		t.Fatalf("FindByID = %v, %v", stored, err)
	}
	contact, err := store.FindContact(context.Background(), stored.Forms[model.FormDriverApplication])
	if err != nil || contact == nil {
		t.Fatalf("FindContact = %v, %v", contact, err)
	}
	if contact.Email != "Driver@Example.com" || contact.Name != "Taro Yamada" {
		t.Errorf("contact = %+v", contact)
	}
}

func TestService_Start_Duplicate(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryStore())

	if _, err := svc.Start(context.Background(), startInput("123-45-6789")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// 表記揺れがあっても同一人物として扱う
	_, err := svc.Start(context.Background(), startInput("123 45 6789"))
	requireCode(t, err, model.ErrCodeDuplicateApplicant)
}

func TestService_Start_InvalidInput(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryStore())

	tests := []struct {
		name string
		in   StartInput
	}{
		{"本人識別番号なし", StartInput{PreQualification: json.RawMessage(`{}`), ApplicationPage1: json.RawMessage(`{}`)}},
		{"配列", StartInput{Identity: "1", PreQualification: json.RawMessage(`[]`), ApplicationPage1: json.RawMessage(`{}`)}},
		{"未知の会社", StartInput{Identity: "1", CompanyID: "nope", PreQualification: json.RawMessage(`{}`), ApplicationPage1: json.RawMessage(`{}`)}},
		{"メール不正", StartInput{Identity: "1", PreQualification: json.RawMessage(`{}`), ApplicationPage1: json.RawMessage(`{"email":"not-an-address"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Start(context.Background(), tt.in)
			if !errors.Is(err, model.ErrInvalid) {
				t.Errorf("err = %v, want invalid", err)
			}
		})
	}
}

func TestService_SubmitStep_FullFlow(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	tr, err := svc.Start(ctx, startInput("A1"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for _, step := range []model.Step{
		model.StepApplicationPage2, model.StepApplicationPage3,
		model.StepApplicationPage4, model.StepApplicationPage5,
	} {
		if _, err := svc.SubmitStep(ctx, tr.ID, step, json.RawMessage(`{"page":"`+string(step)+`"}`)); err != nil {
			t.Fatalf("SubmitStep(%s) failed: %v", step, err)
		}
	}
	if page := store.ApplicationPage(tr.Forms[model.FormDriverApplication], 3); page == nil {
		t.Error("申請ページ3が同じフォームに保存されていること")
	}
	if n := store.FormCount(model.FormDriverApplication); n != 1 {
		t.Errorf("申請フォーム数 = %d, want 1", n)
	}

	if _, err := svc.SubmitStep(ctx, tr.ID, model.StepPoliciesConsents, json.RawMessage(`{"notificationConsent":true}`)); err != nil {
		t.Fatalf("SubmitStep(policies) failed: %v", err)
	}

	_, err = svc.SubmitStep(ctx, tr.ID, model.StepDriveTest, json.RawMessage(`{}`))
	requireCode(t, err, model.ErrCodeInvitationNotApproved)

	view, err := svc.Status(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !view.AwaitingApproval || view.CurrentStep != model.StepDriveTest {
		t.Errorf("view = %+v", view)
	}

	if err := svc.ApproveInvitation(ctx, tr.ID); err != nil {
		t.Fatalf("ApproveInvitation failed: %v", err)
	}

	var last *model.Tracker
	for _, step := range []model.Step{model.StepDriveTest, model.StepDrugTest, model.StepCarriersEdgeTraining} {
		last, err = svc.SubmitStep(ctx, tr.ID, step, json.RawMessage(`{"passed":true}`))
		if err != nil {
			t.Fatalf("SubmitStep(%s) failed: %v", step, err)
		}
	}
	if !last.Status.Completed {
		t.Fatalf("status = %+v, want completed", last.Status)
	}

	stored, _ := store.FindByID(ctx, tr.ID)
	if !stored.Status.Completed || !stored.CompletionNotice.ConsentGiven {
		t.Errorf("stored = %+v", stored)
	}

	_, err = svc.SubmitStep(ctx, tr.ID, model.StepApplicationPage2, json.RawMessage(`{}`))
	requireCode(t, err, model.ErrCodeTrackerCompleted)
}

func TestService_SubmitStep_Gates(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryStore())
	ctx := context.Background()
	tr, err := svc.Start(ctx, startInput("B2"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err = svc.SubmitStep(ctx, tr.ID, model.StepApplicationPage4, json.RawMessage(`{}`))
	requireCode(t, err, model.ErrCodeStepNotReached)

	_, err = svc.SubmitStep(ctx, tr.ID, model.Step("bogus"), json.RawMessage(`{}`))
	requireCode(t, err, model.ErrCodeInvalidStep)

	_, err = svc.SubmitStep(ctx, tr.ID, model.StepApplicationPage2, json.RawMessage(`"text"`))
	requireCode(t, err, model.ErrCodeInvalidInput)

	_, err = svc.SubmitStep(ctx, "not-a-uuid", model.StepApplicationPage2, json.RawMessage(`{}`))
	requireCode(t, err, model.ErrCodeTrackerNotFound)
}

func TestService_SubmitStep_Expired(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryStore())
	ctx := context.Background()
	tr, err := svc.Start(ctx, startInput("C3"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	svc.SetClock(func() time.Time { return serviceNow.Add(49 * time.Hour) })
	_, err = svc.SubmitStep(ctx, tr.ID, model.StepApplicationPage2, json.RawMessage(`{}`))
	requireCode(t, err, model.ErrCodeResumeExpired)

	_, err = svc.Status(ctx, tr.ID)
	requireCode(t, err, model.ErrCodeResumeExpired)
}

func TestService_SubmitStep_RefreshesExpiry(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := newTestService(t, store)
	ctx := context.Background()
	tr, err := svc.Start(ctx, startInput("D4"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	later := serviceNow.Add(10 * time.Hour)
	svc.SetClock(func() time.Time { return later })
	if _, err := svc.SubmitStep(ctx, tr.ID, model.StepApplicationPage2, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("SubmitStep failed: %v", err)
	}

	stored, _ := store.FindByID(ctx, tr.ID)
	if !stored.ResumeExpiresAt.Equal(later.Add(48 * time.Hour)) {
		t.Errorf("ResumeExpiresAt = %v, want %v", stored.ResumeExpiresAt, later.Add(48*time.Hour))
	}
	if stored.Version != tr.Version+1 {
		t.Errorf("Version = %d, want %d", stored.Version, tr.Version+1)
	}
}

// flakyTrackers はSaveStepで指定回数だけ競合を返すリポジトリ。
type flakyTrackers struct {
	repository.TrackerRepository
	conflicts int
	calls     int
}

func (f *flakyTrackers) SaveStep(ctx context.Context, w repository.StepWrite) error {
	f.calls++
	if f.conflicts > 0 {
		f.conflicts--
		return repository.ErrVersionConflict
	}
	return f.TrackerRepository.SaveStep(ctx, w)
}

func TestService_SubmitStep_RetriesOnConflict(t *testing.T) {
	flaky := &flakyTrackers{TrackerRepository: repository.NewMemoryStore(), conflicts: 2}
	svc := newTestService(t, flaky)
	ctx := context.Background()
	tr, err := svc.Start(ctx, startInput("E5"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := svc.SubmitStep(ctx, tr.ID, model.StepApplicationPage2, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("SubmitStep failed: %v", err)
	}
	if flaky.calls != 3 {
		t.Errorf("SaveStep calls = %d, want 3", flaky.calls)
	}
}

func TestService_SubmitStep_GivesUpAfterRetries(t *testing.T) {
	flaky := &flakyTrackers{TrackerRepository: repository.NewMemoryStore(), conflicts: 100}
	svc := newTestService(t, flaky)
	ctx := context.Background()
	tr, err := svc.Start(ctx, startInput("F6"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err = svc.SubmitStep(ctx, tr.ID, model.StepApplicationPage2, json.RawMessage(`{}`))
	requireCode(t, err, model.ErrCodeConcurrentUpdate)
	if flaky.calls != defaultWriteRetries+1 {
		t.Errorf("SaveStep calls = %d, want %d", flaky.calls, defaultWriteRetries+1)
	}
}

func TestService_SubmitStep_ConcurrentWriters(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := newTestService(t, store)
	ctx := context.Background()
	tr, err := svc.Start(ctx, startInput("G7"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const writers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitStep(ctx, tr.ID, model.StepApplicationPage2, json.RawMessage(`{}`))
			if err != nil {
				var apiErr *model.APIError
				if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeConcurrentUpdate {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if succeeded == 0 {
		t.Fatal("少なくとも1件は成功すること")
	}
	stored, _ := store.FindByID(ctx, tr.ID)
	if stored.Version != tr.Version+int64(succeeded) {
		t.Errorf("Version = %d, want %d (成功した書き込みの数だけ進むこと)", stored.Version, tr.Version+int64(succeeded))
	}
	if stored.Status.CompletedStep != model.StepApplicationPage2 {
		t.Errorf("CompletedStep = %s", stored.Status.CompletedStep)
	}
}

func TestService_Terminate(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryStore())
	ctx := context.Background()
	tr, err := svc.Start(ctx, startInput("H8"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := svc.AdminView(ctx, tr.ID); err != nil {
		t.Fatalf("AdminView failed: %v", err)
	}
	if err := svc.Terminate(ctx, tr.ID); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	_, err = svc.AdminView(ctx, tr.ID)
	requireCode(t, err, model.ErrCodeTrackerNotFound)
	_, err = svc.SubmitStep(ctx, tr.ID, model.StepApplicationPage2, json.RawMessage(`{}`))
	requireCode(t, err, model.ErrCodeTrackerNotFound)
	requireCode(t, svc.Terminate(ctx, tr.ID), model.ErrCodeTrackerNotFound)
	requireCode(t, svc.ApproveInvitation(ctx, tr.ID), model.ErrCodeTrackerNotFound)
}

func TestService_AdminOperations_InvalidID(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryStore())
	ctx := context.Background()

	requireCode(t, svc.ApproveInvitation(ctx, "x"), model.ErrCodeTrackerNotFound)
	requireCode(t, svc.Terminate(ctx, "x"), model.ErrCodeTrackerNotFound)
	_, err := svc.AdminView(ctx, "00000000-0000-0000-0000-000000000000")
	requireCode(t, err, model.ErrCodeTrackerNotFound)
}

func TestBuildStatusView(t *testing.T) {
	tr := &model.Tracker{
		ID:   "t1",
		Plan: model.StepPlan{SkippedSteps: []model.Step{model.StepDrugTest}},
	}
	tr.Status.CompletedStep = model.StepApplicationPage2
	tr.Status.CurrentStep = model.StepApplicationPage3

	view := BuildStatusView(tr)
	states := map[model.Step]StepState{}
	for _, sv := range view.Steps {
		states[sv.Step] = sv.State
	}

	want := map[model.Step]StepState{
		model.StepPreQualification: StepStateCompleted,
		model.StepApplicationPage2: StepStateCompleted,
		model.StepApplicationPage3: StepStateCurrent,
		model.StepApplicationPage4: StepStateLocked,
		model.StepDrugTest:         StepStateSkipped,
		model.StepFlatbedTraining:  StepStateSkipped,
	}
	for step, state := range want {
		if states[step] != state {
			t.Errorf("%s = %s, want %s", step, states[step], state)
		}
	}
	if _, ok := states[model.StepCompleted]; ok {
		t.Error("completedは一覧に含めないこと")
	}
}
