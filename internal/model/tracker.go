// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// FormKind は追跡レコードが所有する子フォームの論理名。
type FormKind string

const (
	FormPreQualification     FormKind = "preQualification"
	FormDriverApplication    FormKind = "driverApplication"
	FormPoliciesConsents     FormKind = "policiesConsents"
	FormDriveTest            FormKind = "driveTest"
	FormDrugTest             FormKind = "drugTest"
	FormCarriersEdgeTraining FormKind = "carriersEdgeTraining"
	FormFlatbedTraining      FormKind = "flatbedTraining"
)

// FormKinds は全子フォーム種別を返す。削除順序の決定にも使うため順序は固定。
func FormKinds() []FormKind {
	return []FormKind{
		FormPreQualification,
		FormDriverApplication,
		FormPoliciesConsents,
		FormDriveTest,
		FormDrugTest,
		FormCarriersEdgeTraining,
		FormFlatbedTraining,
	}
}

// Valid は既知の子フォーム種別かどうかを返す。
func (k FormKind) Valid() bool {
	for _, known := range FormKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// FormRefs は子フォーム種別から子ドキュメントIDへの参照マップ。
// 子フォームは1つの追跡レコードに1:1で所有される。
type FormRefs map[FormKind]string

// Clone はマップのコピーを返す。
func (f FormRefs) Clone() FormRefs {
	out := make(FormRefs, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// TrackerStatus は進捗状態。completedStepは単調非減少。
type TrackerStatus struct {
	CurrentStep   Step
	CompletedStep Step
	Completed     bool
}

// StepPlan は追跡レコード作成時に1回だけ算出される、ステップのスキップ設定。
// 会社ルールとプレクオリフィケーションの回答から導出し、レコードに保存する。
type StepPlan struct {
	NeedsFlatbedTraining bool
	SkippedSteps         []Step
}

// Skips は指定ステップがこの計画でスキップされるかどうかを返す。
// StepCompletedは決してスキップされない。
func (p StepPlan) Skips(s Step) bool {
	if s == StepCompleted {
		return false
	}
	if s == StepFlatbedTraining && !p.NeedsFlatbedTraining {
		return true
	}
	for _, skipped := range p.SkippedSteps {
		if skipped == s {
			return true
		}
	}
	return false
}

// NotificationStatus は完了通知の送信状態。
type NotificationStatus string

const (
	NotificationNotSent NotificationStatus = "NOT_SENT"
	NotificationPending NotificationStatus = "PENDING"
	NotificationSending NotificationStatus = "SENDING"
	NotificationSent    NotificationStatus = "SENT"
	NotificationError   NotificationStatus = "ERROR"
)

// CompletionNotice は完了通知の送信状況。
type CompletionNotice struct {
	Status       NotificationStatus
	Attempts     int
	ConsentGiven bool
	SentAt       *time.Time
	LastError    string
	ClaimedAt    *time.Time
}

// Tracker は応募者1人分のオンボーディング追跡レコード（集約ルート）。
type Tracker struct {
	ID                 string
	IdentityHash       string
	IdentityEncrypted  []byte
	CompanyID          string
	Status             TrackerStatus
	Plan               StepPlan
	Terminated         bool
	InvitationApproved bool
	ResumeExpiresAt    time.Time
	Forms              FormRefs
	CompletionNotice   CompletionNotice
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ResumeExpired は未完了かつ再開期限を過ぎているかを返す。
func (t *Tracker) ResumeExpired(now time.Time) bool {
	return !t.Status.Completed && !now.Before(t.ResumeExpiresAt)
}

// FormDocument は子フォームの書き込み内容。
// フィールドの検証はこのパッケージの責務外で、Payloadは不透明なJSONとして扱う。
type FormDocument struct {
	ID        string
	TrackerID string
	Kind      FormKind
	// Page は申請フォーム（driverApplication）のページ番号。その他は0。
	Page    int
	Payload json.RawMessage
	// ContactEmail と ApplicantName は申請フォームのページ1でのみ設定される。
	ContactEmail  string
	ApplicantName string
	CreatedAt     time.Time
}
