package model

import "fmt"

// Step はオンボーディングの各ステップを識別する。
// 並び順はstepOrderで固定されており、会社ごとに変わらない。
type Step string

const (
	// StepNone はまだどのステップも完了していない状態を表す。
	StepNone Step = ""

	StepPreQualification     Step = "prequalification"
	StepApplicationPage1     Step = "application_page_1"
	StepApplicationPage2     Step = "application_page_2"
	StepApplicationPage3     Step = "application_page_3"
	StepApplicationPage4     Step = "application_page_4"
	StepApplicationPage5     Step = "application_page_5"
	StepPoliciesConsents     Step = "policies_consents"
	StepDriveTest            Step = "drive_test"
	StepDrugTest             Step = "drug_test"
	StepCarriersEdgeTraining Step = "carriers_edge_training"
	StepFlatbedTraining      Step = "flatbed_training"

	// StepCompleted は終端マーカー。currentStepがこの値になった時点で完了とみなす。
	StepCompleted Step = "completed"
)

var stepOrder = []Step{
	StepPreQualification,
	StepApplicationPage1,
	StepApplicationPage2,
	StepApplicationPage3,
	StepApplicationPage4,
	StepApplicationPage5,
	StepPoliciesConsents,
	StepDriveTest,
	StepDrugTest,
	StepCarriersEdgeTraining,
	StepFlatbedTraining,
	StepCompleted,
}

var stepIndex = func() map[Step]int {
	m := make(map[Step]int, len(stepOrder))
	for i, s := range stepOrder {
		m[s] = i
	}
	return m
}()

// Steps はカタログ順のステップ一覧のコピーを返す。
func Steps() []Step {
	out := make([]Step, len(stepOrder))
	copy(out, stepOrder)
	return out
}

// Index はカタログ上の位置を返す。StepNoneおよび未知の値は-1。
func (s Step) Index() int {
	if i, ok := stepIndex[s]; ok {
		return i
	}
	return -1
}

// Valid はカタログに含まれるステップかどうかを返す。
func (s Step) Valid() bool {
	_, ok := stepIndex[s]
	return ok
}

// RequiresApproval は招待承認が必要なステップかどうかを返す。
// 承認待ちゲートはpolicies_consentsとdrive_testの間にある。
func (s Step) RequiresApproval() bool {
	return s.Valid() && s.Index() >= StepDriveTest.Index()
}

// FormKind はステップが書き込む子フォームの種類を返す。
// 申請ページ1〜5は同じdriverApplicationフォームを共有する。
func (s Step) FormKind() (FormKind, bool) {
	switch s {
	case StepPreQualification:
		return FormPreQualification, true
	case StepApplicationPage1, StepApplicationPage2, StepApplicationPage3,
		StepApplicationPage4, StepApplicationPage5:
		return FormDriverApplication, true
	case StepPoliciesConsents:
		return FormPoliciesConsents, true
	case StepDriveTest:
		return FormDriveTest, true
	case StepDrugTest:
		return FormDrugTest, true
	case StepCarriersEdgeTraining:
		return FormCarriersEdgeTraining, true
	case StepFlatbedTraining:
		return FormFlatbedTraining, true
	default:
		return "", false
	}
}

// ApplicationPage は申請ページの番号（1〜5）を返す。申請ページ以外は0。
func (s Step) ApplicationPage() int {
	switch s {
	case StepApplicationPage1:
		return 1
	case StepApplicationPage2:
		return 2
	case StepApplicationPage3:
		return 3
	case StepApplicationPage4:
		return 4
	case StepApplicationPage5:
		return 5
	default:
		return 0
	}
}

// ParseStep は文字列をStepに変換する。カタログ外の値はエラー。
func ParseStep(v string) (Step, error) {
	s := Step(v)
	if !s.Valid() {
		return StepNone, fmt.Errorf("unknown step: %q", v)
	}
	return s, nil
}
