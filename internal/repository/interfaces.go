// Package repository はデータ永続化のインターフェースとその実装を定義する。
//
// 追跡レコードの排他制御はすべて1ドキュメント単位の条件付き更新で表現する。
// インメモリのロックや分散ロックは使わない。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/driverhire/internal/model"
)

var (
	// ErrVersionConflict は条件付き更新の条件（version等）が一致しなかったことを示す。
	ErrVersionConflict = errors.New("tracker was modified concurrently")
	// ErrDuplicateIdentity は同じ本人識別ハッシュの追跡レコードが既に存在することを示す。
	ErrDuplicateIdentity = errors.New("tracker with the same identity already exists")
	// ErrVerificationNotFound は確認コードのレコードが存在しないことを示す。
	ErrVerificationNotFound = errors.New("verification code not found")
	// ErrVerificationAttemptsExhausted は確認コードの試行回数が上限に達していることを示す。
	ErrVerificationAttemptsExhausted = errors.New("verification attempts exhausted")
)

// StepWrite はステップ書き込み1回分の更新内容。
// 状態・再開期限・子フォームの書き込みを1つの更新単位で適用する。
type StepWrite struct {
	TrackerID       string
	ExpectedVersion int64
	Status          model.TrackerStatus
	ResumeExpiresAt time.Time
	Form            model.FormDocument
	// ConsentGiven はnilでなければ完了通知の同意状態を更新する。
	ConsentGiven *bool
	UpdatedAt    time.Time
}

// TrackerRepository は追跡レコードの永続化インターフェース。
type TrackerRepository interface {
	// FindByID は指定IDの追跡レコードを取得する。見つからない場合はnilを返す。
	// 終了済みかどうかの判定は呼び出し側で行う。
	FindByID(ctx context.Context, id string) (*model.Tracker, error)

	// FindByIdentityHash は本人識別ハッシュで追跡レコードを検索する。見つからない場合はnilを返す。
	FindByIdentityHash(ctx context.Context, identityHash string) (*model.Tracker, error)

	// Create は追跡レコードと初期の子フォームを同一トランザクションで作成する。
	// 同じ本人識別ハッシュが存在する場合はErrDuplicateIdentityを返す。
	Create(ctx context.Context, tracker *model.Tracker, forms []model.FormDocument) error

	// SaveStep はステップ書き込みを条件付きで適用する。
	// id・versionが一致し、未終了かつ未完了の場合のみ更新し、versionを1つ進める。
	// 条件に一致しない場合はErrVersionConflictを返し、何も書き込まない。
	// 申請フォームは既存ドキュメントのページを上書きし、
	// その他の種類は新しいドキュメントで置き換えて旧ドキュメントを削除する。
	SaveStep(ctx context.Context, w StepWrite) error

	// SetInvitationApproved は招待承認フラグを更新する。
	// 対象が存在しないか終了済みの場合はfalseを返す。
	SetInvitationApproved(ctx context.Context, id string, approved bool, now time.Time) (bool, error)

	// Terminate は追跡レコードを終了済みにする。取り消しはできない。
	// 対象が存在しないか既に終了済みの場合はfalseを返す。
	Terminate(ctx context.Context, id string, now time.Time) (bool, error)
}

// Contact は申請フォームに登録された連絡先。
type Contact struct {
	Email string
	Name  string
}

// ContactLookup は子フォームの連絡先を参照する読み取り専用インターフェース。
type ContactLookup interface {
	// FindContact は申請フォームIDから連絡先を取得する。見つからない場合はnilを返す。
	FindContact(ctx context.Context, formID string) (*Contact, error)
}

// NotificationEligibility は完了通知の送信対象条件のパラメータ。
// 候補の検索と取得（クレーム）の両方で同じ条件を使う。
type NotificationEligibility struct {
	Now time.Time
	// StaleBefore より前にクレームされたままのSENDINGも再取得対象とする。
	StaleBefore time.Time
	MaxAttempts int
}

// NotificationCandidate は完了通知の送信候補。
type NotificationCandidate struct {
	TrackerID     string
	Email         string
	ApplicantName string
	Status        model.NotificationStatus
	Attempts      int
}

// NotificationRepository は完了通知ディスパッチャーの永続化インターフェース。
type NotificationRepository interface {
	// ListNotificationCandidates は送信候補を更新日時の古い順に最大limit件取得する。
	// 条件: completed、同意済み、未終了、status が NOT_SENT/PENDING/ERROR
	// （または期限切れのSENDING）、attempts < MaxAttempts、連絡先メールが空でない。
	ListNotificationCandidates(ctx context.Context, e NotificationEligibility, limit int) ([]NotificationCandidate, error)

	// ClaimNotification は同じ条件を満たす場合のみstatusをSENDINGに遷移させる。
	// 条件付き更新が0件だった場合（他のワーカーが先に取得した等）はfalseを返す。
	ClaimNotification(ctx context.Context, trackerID string, e NotificationEligibility) (bool, error)

	// MarkNotificationSent はSENDINGの通知をSENTにし、送信日時を記録する。
	MarkNotificationSent(ctx context.Context, trackerID string, sentAt time.Time) error

	// MarkNotificationFailed はattemptsを1つ進め、上限に達したらERROR、そうでなければPENDINGにする。
	// 更新後のstatusとattemptsを返す。
	MarkNotificationFailed(ctx context.Context, trackerID, reason string, maxAttempts int, now time.Time) (model.NotificationStatus, int, error)
}

// ExpiredTracker は削除候補の追跡レコード。IDと子フォーム参照のみを持つ。
type ExpiredTracker struct {
	ID    string
	Forms model.FormRefs
}

// DeleteBatch は1トランザクションで削除する対象。
type DeleteBatch struct {
	Now        time.Time
	TrackerIDs []string
	Children   map[model.FormKind][]string
}

// DeleteResult は削除件数。
type DeleteResult struct {
	Trackers int64
	Children map[model.FormKind]int64
}

// ReaperRepository はライフサイクルリーパーの永続化インターフェース。
type ReaperRepository interface {
	// ListExpiredTrackers は未完了かつ再開期限切れの追跡レコードを最大limit件取得する。
	ListExpiredTrackers(ctx context.Context, now time.Time, limit int) ([]ExpiredTracker, error)

	// DeleteExpiredBatch は子フォームと追跡レコードを1トランザクションで削除する。
	// トランザクション内で削除条件を再確認し、条件を満たさなくなった追跡レコードと
	// その子フォームは削除しない。いずれかの削除が失敗した場合は全体をロールバックする。
	DeleteExpiredBatch(ctx context.Context, batch DeleteBatch) (DeleteResult, error)
}

// VerificationCodeRepository は確認コードの永続化インターフェース。
type VerificationCodeRepository interface {
	// Replace は同じ追跡レコード・用途の既存コードを破棄して新しいコードを保存する。
	Replace(ctx context.Context, code *model.VerificationCode) error

	// Find は追跡レコード・用途・本人識別ハッシュ・連絡先ハッシュが一致するコードを返す。
	// 見つからない場合はnilを返す。
	Find(ctx context.Context, trackerID, purpose, identityHash, contactHash string) (*model.VerificationCode, error)

	// ReserveAttempt は試行回数が上限未満の場合に限り原子的に1つ進め、更新後の値を返す。
	// 照合の前に呼び出し、予約できた試行だけがコードと比較される。
	// 上限に達している場合はErrVerificationAttemptsExhausted、
	// 既に削除されている場合はErrVerificationNotFoundを返す。
	ReserveAttempt(ctx context.Context, id string) (int, error)

	// Consume はコードを削除する。この呼び出しで削除できた場合のみtrueを返す。
	Consume(ctx context.Context, id string) (bool, error)
}
