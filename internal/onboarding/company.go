package onboarding

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/driverhire/internal/model"
)

// DefaultCompanyID は会社指定がない場合に適用するルールセットのID。
const DefaultCompanyID = "default"

// CompanyRules は会社（事業部）ごとのステップ設定。
type CompanyRules struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// OffersFlatbed はフラットベッド研修を実施するかどうか。
	OffersFlatbed bool `yaml:"offers_flatbed"`
	// SkipSteps はこの会社で不要なステップ。
	SkipSteps []string `yaml:"skip_steps"`
}

// CompanyRegistry は会社ルールの読み取り専用レジストリ。
type CompanyRegistry struct {
	rules map[string]CompanyRules
}

type companyRulesFile struct {
	Companies []CompanyRules `yaml:"companies"`
}

// skippableSteps は会社ルールでスキップ指定できるステップ。
// プレクオリフィケーションと申請ページ1は追跡レコード作成時に必ず書き込むため含めない。
var skippableSteps = map[model.Step]bool{
	model.StepDriveTest:            true,
	model.StepDrugTest:             true,
	model.StepCarriersEdgeTraining: true,
	model.StepFlatbedTraining:      true,
}

// DefaultCompanyRegistry は組み込みのdefaultルールのみを持つレジストリを返す。
func DefaultCompanyRegistry() *CompanyRegistry {
	return &CompanyRegistry{rules: map[string]CompanyRules{
		DefaultCompanyID: {ID: DefaultCompanyID, Name: "Default", OffersFlatbed: true},
	}}
}

// ParseCompanyRules はYAMLから会社ルールを読み込む。
// defaultが定義されていない場合は組み込みのdefaultを補う。
func ParseCompanyRules(data []byte) (*CompanyRegistry, error) {
	var file companyRulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("会社ルールのパースに失敗しました: %w", err)
	}

	reg := DefaultCompanyRegistry()
	for _, c := range file.Companies {
		if c.ID == "" {
			return nil, fmt.Errorf("会社ルールにidがありません")
		}
		for _, s := range c.SkipSteps {
			if !skippableSteps[model.Step(s)] {
				return nil, fmt.Errorf("会社 %s: スキップできないステップです: %s", c.ID, s)
			}
		}
		reg.rules[c.ID] = c
	}
	return reg, nil
}

// LoadCompanyRules はファイルから会社ルールを読み込む。
// pathが空の場合は組み込みのdefaultのみを返す。
func LoadCompanyRules(path string) (*CompanyRegistry, error) {
	if path == "" {
		return DefaultCompanyRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("会社ルールファイルの読み込みに失敗しました: %w", err)
	}
	return ParseCompanyRules(data)
}

// Lookup は会社IDに対応するルールを返す。空文字はdefaultとして扱う。
func (r *CompanyRegistry) Lookup(companyID string) (CompanyRules, bool) {
	if companyID == "" {
		companyID = DefaultCompanyID
	}
	c, ok := r.rules[companyID]
	return c, ok
}

// PreQualificationAnswers は計画の算出に使うプレクオリフィケーションの回答。
type PreQualificationAnswers struct {
	WillHaulFlatbed      bool `json:"willHaulFlatbed"`
	HasFlatbedExperience bool `json:"hasFlatbedExperience"`
}

// BuildPlan は会社ルールと回答からステップ計画を算出する。
// フラットベッド研修は、会社が実施しており、応募者がフラットベッドを扱う予定で
// 経験がない場合にのみ必要とする。
func BuildPlan(rules CompanyRules, answers PreQualificationAnswers) model.StepPlan {
	plan := model.StepPlan{
		NeedsFlatbedTraining: rules.OffersFlatbed && answers.WillHaulFlatbed && !answers.HasFlatbedExperience,
	}
	for _, s := range rules.SkipSteps {
		plan.SkippedSteps = append(plan.SkippedSteps, model.Step(s))
	}
	return plan
}
