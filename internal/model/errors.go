package model

import "fmt"

// ErrorKind はエラーの分類。ハンドラーはこの分類でHTTPステータスを決める。
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindExpired      ErrorKind = "expired"
	KindUnauthorized ErrorKind = "unauthorized"
	KindRateLimited  ErrorKind = "rate_limited"
	KindConflict     ErrorKind = "conflict"
	KindTransient    ErrorKind = "transient"
	KindInvalid      ErrorKind = "invalid"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Kind     ErrorKind // 分類
	Code     string    // エラーコード
	Message  string    // エラーメッセージ
	Category string    // カテゴリ: onboarding, resume, session, validation, system
	Action   string    // ユーザー向け対処方法
	// Remaining は確認コードの残り試行回数。該当しない場合はnil。
	Remaining *int
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is は分類の一致でerrors.Isを成立させる。
// Codeが空のAPIError（ErrNotFound等）をターゲットにした場合のみ分類比較を行う。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Kind == t.Kind
	}
	return e.Code == t.Code
}

// 分類の比較用センチネル。errors.Is(err, model.ErrNotFound) のように使う。
var (
	ErrNotFound     = &APIError{Kind: KindNotFound}
	ErrExpired      = &APIError{Kind: KindExpired}
	ErrUnauthorized = &APIError{Kind: KindUnauthorized}
	ErrRateLimited  = &APIError{Kind: KindRateLimited}
	ErrConflict     = &APIError{Kind: KindConflict}
	ErrTransient    = &APIError{Kind: KindTransient}
	ErrInvalid      = &APIError{Kind: KindInvalid}
)

// 定義済みエラーコード
const (
	ErrCodeTrackerNotFound       = "TRACKER_NOT_FOUND"
	ErrCodeResumeExpired         = "RESUME_EXPIRED"
	ErrCodeResumeUnavailable     = "RESUME_UNAVAILABLE"
	ErrCodeCodeInvalid           = "CODE_INVALID"
	ErrCodeCodeExpired           = "CODE_EXPIRED"
	ErrCodeCodeAttemptsExceeded  = "CODE_ATTEMPTS_EXCEEDED"
	ErrCodeSessionInvalid        = "SESSION_INVALID"
	ErrCodeStepNotReached        = "STEP_NOT_REACHED"
	ErrCodeTrackerCompleted      = "TRACKER_COMPLETED"
	ErrCodeInvitationNotApproved = "INVITATION_NOT_APPROVED"
	ErrCodeConcurrentUpdate      = "CONCURRENT_UPDATE"
	ErrCodeDuplicateApplicant    = "DUPLICATE_APPLICANT"
	ErrCodeDeliveryFailed        = "DELIVERY_FAILED"
	ErrCodeInvalidStep           = "INVALID_STEP"
	ErrCodeInvalidInput          = "INVALID_INPUT"
)

// NewTrackerNotFoundError は追跡レコード未検出エラーを生成する。
// 終了済みのレコードも同じエラーになる。
func NewTrackerNotFoundError() *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeTrackerNotFound,
		Message:  "申請情報が見つかりません。",
		Category: "onboarding",
		Action:   "入力内容を確認してください。",
	}
}

// NewResumeExpiredError は再開期限切れエラーを生成する。
func NewResumeExpiredError() *APIError {
	return &APIError{
		Kind:     KindExpired,
		Code:     ErrCodeResumeExpired,
		Message:  "申請の再開期限が切れています。",
		Category: "resume",
		Action:   "最初から申請し直してください。",
	}
}

// NewResumeUnavailableError は再開要求に対する汎用エラーを生成する。
// 申請の有無や期限切れかどうかを区別できないメッセージにする。
func NewResumeUnavailableError() *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeResumeUnavailable,
		Message:  "申請を再開できませんでした。",
		Category: "resume",
		Action:   "入力内容を確認してください。申請が見つからないか、再開期限が切れている可能性があります。",
	}
}

// NewCodeInvalidError は確認コード不一致エラーを生成する。
// remainingが負の場合は残り回数を含めない。
func NewCodeInvalidError(remaining int) *APIError {
	e := &APIError{
		Kind:     KindUnauthorized,
		Code:     ErrCodeCodeInvalid,
		Message:  "確認コードが正しくありません。",
		Category: "resume",
		Action:   "メールに記載された確認コードを入力してください。",
	}
	if remaining >= 0 {
		e.Remaining = &remaining
	}
	return e
}

// NewCodeExpiredError は確認コードの有効期限切れエラーを生成する。
func NewCodeExpiredError() *APIError {
	return &APIError{
		Kind:     KindUnauthorized,
		Code:     ErrCodeCodeExpired,
		Message:  "確認コードの有効期限が切れています。",
		Category: "resume",
		Action:   "確認コードを再発行してください。",
	}
}

// NewCodeAttemptsExceededError は確認コードの試行回数超過エラーを生成する。
func NewCodeAttemptsExceededError() *APIError {
	return &APIError{
		Kind:     KindRateLimited,
		Code:     ErrCodeCodeAttemptsExceeded,
		Message:  "確認コードの入力回数が上限に達しました。",
		Category: "resume",
		Action:   "新しい確認コードを再発行してください。",
	}
}

// NewSessionInvalidError はセッション無効エラーを生成する。
func NewSessionInvalidError() *APIError {
	return &APIError{
		Kind:     KindUnauthorized,
		Code:     ErrCodeSessionInvalid,
		Message:  "セッションが無効か、有効期限が切れています。",
		Category: "session",
		Action:   "申請の再開手続きをやり直してください。",
	}
}

// NewStepNotReachedError は未到達ステップへの書き込みエラーを生成する。
func NewStepNotReachedError(step Step) *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeStepNotReached,
		Message:  fmt.Sprintf("このステップにはまだ進めません: %s", step),
		Category: "onboarding",
		Action:   "前のステップを完了してください。",
	}
}

// NewTrackerCompletedError は完了済みレコードへの書き込みエラーを生成する。
func NewTrackerCompletedError() *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeTrackerCompleted,
		Message:  "申請はすでに完了しています。",
		Category: "onboarding",
		Action:   "完了画面を確認してください。",
	}
}

// NewInvitationNotApprovedError は招待未承認エラーを生成する。
func NewInvitationNotApprovedError() *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeInvitationNotApproved,
		Message:  "担当者による承認待ちです。",
		Category: "onboarding",
		Action:   "承認の連絡をお待ちください。",
	}
}

// NewConcurrentUpdateError は同時更新で書き込みが確定できなかった場合のエラーを生成する。
func NewConcurrentUpdateError() *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeConcurrentUpdate,
		Message:  "申請情報が同時に更新されました。",
		Category: "onboarding",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewDuplicateApplicantError は同一の本人識別番号で既に申請がある場合のエラーを生成する。
func NewDuplicateApplicantError() *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeDuplicateApplicant,
		Message:  "この情報ではすでに申請が開始されています。",
		Category: "onboarding",
		Action:   "申請の再開手続きから続きを入力してください。",
	}
}

// NewDeliveryFailedError は確認コードのメール送信失敗エラーを生成する。
func NewDeliveryFailedError() *APIError {
	return &APIError{
		Kind:     KindTransient,
		Code:     ErrCodeDeliveryFailed,
		Message:  "確認コードを送信できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidStepError は不明なステップ指定エラーを生成する。
func NewInvalidStepError(step string) *APIError {
	return &APIError{
		Kind:     KindInvalid,
		Code:     ErrCodeInvalidStep,
		Message:  fmt.Sprintf("無効なステップです: %s", step),
		Category: "validation",
		Action:   "ステップ名を確認してください。",
	}
}

// NewInvalidInputError は入力不備エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Kind:     KindInvalid,
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力内容に不備があります: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}
