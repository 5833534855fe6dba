// Package onboarding は応募者のオンボーディング進捗を管理する。
// ステップの到達・完了判定（ゲート）と単調な進捗更新、および
// 各ステップの書き込みを担うサービスを提供する。
package onboarding

import "github.com/hitoshi/driverhire/internal/model"

// HasReachedStep は追跡レコードが指定ステップに到達済みかを返す。
// 終了済みのレコードはどのステップにも到達していないものとして扱う。
func HasReachedStep(t *model.Tracker, step model.Step) bool {
	if t == nil || t.Terminated || !step.Valid() {
		return false
	}
	if t.Status.Completed {
		return true
	}
	return t.Status.CurrentStep.Index() >= step.Index()
}

// HasCompletedStep は追跡レコードが指定ステップを完了済みかを返す。
func HasCompletedStep(t *model.Tracker, step model.Step) bool {
	if t == nil || t.Terminated || !step.Valid() {
		return false
	}
	return t.Status.CompletedStep.Index() >= step.Index()
}

// NextStep は計画上のスキップを考慮した、stepの次のステップを返す。
// StepCompletedの次はStepCompleted。
func NextStep(plan model.StepPlan, step model.Step) model.Step {
	if step == model.StepCompleted {
		return model.StepCompleted
	}
	steps := model.Steps()
	for i := step.Index() + 1; i < len(steps); i++ {
		if !plan.Skips(steps[i]) {
			return steps[i]
		}
	}
	return model.StepCompleted
}

// FirstStep は計画上の最初のステップを返す。
func FirstStep(plan model.StepPlan) model.Step {
	return NextStep(plan, model.StepNone)
}

// AdvanceProgress は目標ステップまで進捗を進めた新しい状態を返す。
// completedStepは決して後退しない。目標が現在の完了ステップ以前であれば
// completedStepはそのままで、currentStepのみ計画に合わせて再計算される。
// 永続化は行わない。呼び出し側はresumeExpiresAtと同じ更新単位で保存すること。
func AdvanceProgress(t *model.Tracker, target model.Step) (model.TrackerStatus, error) {
	if t == nil {
		return model.TrackerStatus{}, model.NewTrackerNotFoundError()
	}
	if t.Terminated {
		return t.Status, model.NewTrackerNotFoundError()
	}
	if !target.Valid() {
		return t.Status, model.NewInvalidStepError(string(target))
	}

	completed := t.Status.CompletedStep
	if target.Index() > completed.Index() {
		completed = target
	}

	current := NextStep(t.Plan, completed)
	if completed == model.StepCompleted {
		current = model.StepCompleted
	}

	return model.TrackerStatus{
		CurrentStep:   current,
		CompletedStep: completed,
		Completed:     current == model.StepCompleted,
	}, nil
}

// CanAccessStep はステップへの書き込み可否を検証する。
// 問題がなければnil、そうでなければ分類済みのエラーを返す。
func CanAccessStep(t *model.Tracker, step model.Step) error {
	if t == nil || t.Terminated {
		return model.NewTrackerNotFoundError()
	}
	if !step.Valid() || step == model.StepCompleted {
		return model.NewInvalidStepError(string(step))
	}
	if t.Status.Completed {
		return model.NewTrackerCompletedError()
	}
	if t.Plan.Skips(step) {
		return model.NewStepNotReachedError(step)
	}
	if !HasReachedStep(t, step) {
		return model.NewStepNotReachedError(step)
	}
	if step.RequiresApproval() && !t.InvitationApproved {
		return model.NewInvitationNotApprovedError()
	}
	return nil
}

// ResumeStep は再開時に表示すべきステップを返す。
// 完了済みならStepCompleted、承認待ちの場合もcurrentStepを返し、表示側が判断する。
func ResumeStep(t *model.Tracker) model.Step {
	if t.Status.Completed {
		return model.StepCompleted
	}
	if t.Status.CurrentStep == model.StepNone {
		return FirstStep(t.Plan)
	}
	return t.Status.CurrentStep
}

// AwaitingApproval は承認待ちゲートで止まっているかを返す。
func AwaitingApproval(t *model.Tracker) bool {
	return !t.Terminated && !t.Status.Completed &&
		t.Status.CurrentStep.RequiresApproval() && !t.InvitationApproved
}
