package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"text/template"
	"time"
)

// NameSanitizer は氏名などの自由記述をプレーンテキストに無害化する。
type NameSanitizer interface {
	Sanitize(raw string, maxRunes int) string
}

// maxNameRunes はメールに埋め込む氏名の最大文字数。
const maxNameRunes = 80

const resumeCodeText = `{{.Greeting}}

申請を再開するための確認コードは {{.Code}} です。
このコードの有効期限は{{.TTLMinutes}}分です。

心当たりがない場合は、このメールを破棄してください。
`

const resumeCodeHTML = `<p>{{.Greeting}}</p>
<p>申請を再開するための確認コードは <strong>{{.Code}}</strong> です。<br>
このコードの有効期限は{{.TTLMinutes}}分です。</p>
<p>心当たりがない場合は、このメールを破棄してください。</p>
`

const completionText = `{{.Greeting}}

オンボーディングの全ての手続きが完了しました。
担当者からの連絡をお待ちください。
{{if .BaseURL}}
進捗の確認: {{.BaseURL}}
{{end}}`

const completionHTML = `<p>{{.Greeting}}</p>
<p>オンボーディングの全ての手続きが完了しました。<br>
担当者からの連絡をお待ちください。</p>
{{if .BaseURL}}<p><a href="{{.BaseURL}}">進捗の確認</a></p>{{end}}
`

var (
	resumeCodeTextTmpl = template.Must(template.New("resume_text").Parse(resumeCodeText))
	resumeCodeHTMLTmpl = htmltemplate.Must(htmltemplate.New("resume_html").Parse(resumeCodeHTML))
	completionTextTmpl = template.Must(template.New("completion_text").Parse(completionText))
	completionHTMLTmpl = htmltemplate.Must(htmltemplate.New("completion_html").Parse(completionHTML))
)

type templateData struct {
	Greeting   string
	Code       string
	TTLMinutes int
	BaseURL    string
}

// Templates はメール本文を組み立てる。
type Templates struct {
	sanitizer NameSanitizer
	baseURL   string
}

// NewTemplates はTemplatesを生成する。
func NewTemplates(sanitizer NameSanitizer, baseURL string) *Templates {
	return &Templates{sanitizer: sanitizer, baseURL: baseURL}
}

func (t *Templates) greeting(name string) string {
	clean := t.sanitizer.Sanitize(name, maxNameRunes)
	if clean == "" {
		return "応募者様"
	}
	return clean + " 様"
}

// ResumeCode は確認コードのメールを組み立てる。
func (t *Templates) ResumeCode(to, name, code string, ttl time.Duration) (Message, error) {
	data := templateData{
		Greeting:   t.greeting(name),
		Code:       code,
		TTLMinutes: int(ttl / time.Minute),
	}
	var text, html bytes.Buffer
	if err := resumeCodeTextTmpl.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("確認コードメールの生成に失敗しました: %w", err)
	}
	if err := resumeCodeHTMLTmpl.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("確認コードメールの生成に失敗しました: %w", err)
	}
	return Message{
		To:      to,
		ToName:  t.sanitizer.Sanitize(name, maxNameRunes),
		Subject: "【driverhire】申請再開の確認コード",
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

// Completion は完了通知のメールを組み立てる。
func (t *Templates) Completion(to, name string) (Message, error) {
	data := templateData{Greeting: t.greeting(name), BaseURL: t.baseURL}
	var text, html bytes.Buffer
	if err := completionTextTmpl.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("完了通知メールの生成に失敗しました: %w", err)
	}
	if err := completionHTMLTmpl.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("完了通知メールの生成に失敗しました: %w", err)
	}
	return Message{
		To:      to,
		ToName:  t.sanitizer.Sanitize(name, maxNameRunes),
		Subject: "【driverhire】オンボーディング完了のお知らせ",
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
