package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/driverhire/internal/model"
)

// memoryForm はインメモリの子フォームドキュメント。
type memoryForm struct {
	trackerID     string
	email         string
	applicantName string
	payload       json.RawMessage
	pages         map[int]json.RawMessage
	createdAt     time.Time
}

// MemoryStore は全リポジトリインターフェースをメモリ上で実装するストア。
// 単一プロセスでの開発用途とテストで使う。
// 各操作は1つのミューテックス区間で完結するため、条件付き更新は原子的に振る舞う。
type MemoryStore struct {
	mu         sync.RWMutex
	trackers   map[string]*model.Tracker
	identities map[string]string
	forms      map[model.FormKind]map[string]*memoryForm
	codes      map[string]*model.VerificationCode

	childDeleteErrs map[model.FormKind]error
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		trackers:        make(map[string]*model.Tracker),
		identities:      make(map[string]string),
		forms:           make(map[model.FormKind]map[string]*memoryForm),
		codes:           make(map[string]*model.VerificationCode),
		childDeleteErrs: make(map[model.FormKind]error),
	}
	for _, k := range model.FormKinds() {
		s.forms[k] = make(map[string]*memoryForm)
	}
	return s
}

// FailChildDeletes は指定種別の子フォーム削除を失敗させる。errがnilなら解除する。
// 削除バッチのロールバック確認に使う。
func (s *MemoryStore) FailChildDeletes(kind model.FormKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.childDeleteErrs, kind)
		return
	}
	s.childDeleteErrs[kind] = err
}

func cloneTracker(t *model.Tracker) *model.Tracker {
	c := *t
	c.Forms = t.Forms.Clone()
	c.Plan.SkippedSteps = append([]model.Step(nil), t.Plan.SkippedSteps...)
	c.IdentityEncrypted = append([]byte(nil), t.IdentityEncrypted...)
	if t.CompletionNotice.SentAt != nil {
		v := *t.CompletionNotice.SentAt
		c.CompletionNotice.SentAt = &v
	}
	if t.CompletionNotice.ClaimedAt != nil {
		v := *t.CompletionNotice.ClaimedAt
		c.CompletionNotice.ClaimedAt = &v
	}
	return &c
}

// FindByID は指定IDの追跡レコードを取得する。見つからない場合はnilを返す。
func (s *MemoryStore) FindByID(_ context.Context, id string) (*model.Tracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trackers[id]
	if !ok {
		return nil, nil
	}
	return cloneTracker(t), nil
}

// FindByIdentityHash は本人識別ハッシュで追跡レコードを検索する。
func (s *MemoryStore) FindByIdentityHash(_ context.Context, identityHash string) (*model.Tracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[identityHash]
	if !ok {
		return nil, nil
	}
	return cloneTracker(s.trackers[id]), nil
}

// Create は追跡レコードと初期の子フォームを作成する。
func (s *MemoryStore) Create(_ context.Context, tracker *model.Tracker, forms []model.FormDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[tracker.IdentityHash]; exists {
		return ErrDuplicateIdentity
	}
	c := cloneTracker(tracker)
	if c.Forms == nil {
		c.Forms = model.FormRefs{}
	}
	for _, f := range forms {
		s.putForm(f)
		c.Forms[f.Kind] = f.ID
	}
	s.trackers[c.ID] = c
	s.identities[c.IdentityHash] = c.ID
	tracker.Forms = c.Forms.Clone()
	return nil
}

func (s *MemoryStore) putForm(f model.FormDocument) {
	mf := &memoryForm{
		trackerID: f.TrackerID,
		payload:   f.Payload,
		createdAt: f.CreatedAt,
	}
	if f.Kind == model.FormDriverApplication {
		mf.payload = nil
		mf.pages = map[int]json.RawMessage{f.Page: f.Payload}
		mf.email = f.ContactEmail
		mf.applicantName = f.ApplicantName
	}
	s.forms[f.Kind][f.ID] = mf
}

// SaveStep はステップ書き込みを条件付きで適用する。
func (s *MemoryStore) SaveStep(_ context.Context, w StepWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trackers[w.TrackerID]
	if !ok || t.Version != w.ExpectedVersion || t.Terminated || t.Status.Completed {
		return ErrVersionConflict
	}

	kind := w.Form.Kind
	existingID, hasExisting := t.Forms[kind]
	existing := s.forms[kind][existingID]

	if kind == model.FormDriverApplication && hasExisting && existing != nil {
		existing.pages[w.Form.Page] = w.Form.Payload
		if w.Form.Page == 1 {
			existing.email = w.Form.ContactEmail
			existing.applicantName = w.Form.ApplicantName
		}
	} else {
		s.putForm(w.Form)
		t.Forms[kind] = w.Form.ID
		if hasExisting && existingID != w.Form.ID {
			delete(s.forms[kind], existingID)
		}
	}

	t.Status = w.Status
	t.ResumeExpiresAt = w.ResumeExpiresAt
	if w.ConsentGiven != nil {
		t.CompletionNotice.ConsentGiven = *w.ConsentGiven
	}
	t.Version++
	t.UpdatedAt = w.UpdatedAt
	return nil
}

// SetInvitationApproved は招待承認フラグを更新する。
func (s *MemoryStore) SetInvitationApproved(_ context.Context, id string, approved bool, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[id]
	if !ok || t.Terminated {
		return false, nil
	}
	t.InvitationApproved = approved
	t.Version++
	t.UpdatedAt = now
	return true, nil
}

// Terminate は追跡レコードを終了済みにする。
func (s *MemoryStore) Terminate(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[id]
	if !ok || t.Terminated {
		return false, nil
	}
	t.Terminated = true
	t.Version++
	t.UpdatedAt = now
	return true, nil
}

// FindContact は申請フォームIDから連絡先を取得する。
func (s *MemoryStore) FindContact(_ context.Context, formID string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.forms[model.FormDriverApplication][formID]
	if !ok {
		return nil, nil
	}
	return &Contact{Email: f.email, Name: f.applicantName}, nil
}

// ApplicationPage は申請フォームの指定ページの内容を返す。見つからない場合はnilを返す。
func (s *MemoryStore) ApplicationPage(formID string, page int) json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.forms[model.FormDriverApplication][formID]
	if !ok {
		return nil
	}
	return f.pages[page]
}

// FormCount は指定種別の子フォーム件数を返す。
func (s *MemoryStore) FormCount(kind model.FormKind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.forms[kind])
}

// notificationEligible は候補検索とクレームで共通の送信対象条件。
func notificationEligible(t *model.Tracker, e NotificationEligibility) bool {
	n := t.CompletionNotice
	if !t.Status.Completed || !n.ConsentGiven || t.Terminated || n.Attempts >= e.MaxAttempts {
		return false
	}
	switch n.Status {
	case model.NotificationNotSent, model.NotificationPending, model.NotificationError, "":
		return true
	case model.NotificationSending:
		return n.ClaimedAt != nil && n.ClaimedAt.Before(e.StaleBefore)
	}
	return false
}

func (s *MemoryStore) contactFor(t *model.Tracker) *memoryForm {
	id, ok := t.Forms[model.FormDriverApplication]
	if !ok {
		return nil
	}
	return s.forms[model.FormDriverApplication][id]
}

// ListNotificationCandidates は送信候補を更新日時の古い順に取得する。
func (s *MemoryStore) ListNotificationCandidates(_ context.Context, e NotificationEligibility, limit int) ([]NotificationCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*model.Tracker
	for _, t := range s.trackers {
		if !notificationEligible(t, e) {
			continue
		}
		if f := s.contactFor(t); f == nil || f.email == "" {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	candidates := make([]NotificationCandidate, 0, len(matched))
	for _, t := range matched {
		f := s.contactFor(t)
		candidates = append(candidates, NotificationCandidate{
			TrackerID:     t.ID,
			Email:         f.email,
			ApplicantName: f.applicantName,
			Status:        t.CompletionNotice.Status,
			Attempts:      t.CompletionNotice.Attempts,
		})
	}
	return candidates, nil
}

// ClaimNotification は送信対象条件を満たす場合のみSENDINGに遷移させる。
func (s *MemoryStore) ClaimNotification(_ context.Context, trackerID string, e NotificationEligibility) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[trackerID]
	if !ok || !notificationEligible(t, e) {
		return false, nil
	}
	claimedAt := e.Now
	t.CompletionNotice.Status = model.NotificationSending
	t.CompletionNotice.ClaimedAt = &claimedAt
	t.UpdatedAt = e.Now
	return true, nil
}

// MarkNotificationSent は送信完了を記録する。
func (s *MemoryStore) MarkNotificationSent(_ context.Context, trackerID string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[trackerID]
	if !ok || t.CompletionNotice.Status != model.NotificationSending {
		return ErrVersionConflict
	}
	at := sentAt
	t.CompletionNotice.Status = model.NotificationSent
	t.CompletionNotice.SentAt = &at
	t.CompletionNotice.LastError = ""
	t.CompletionNotice.ClaimedAt = nil
	t.UpdatedAt = sentAt
	return nil
}

// MarkNotificationFailed は送信失敗を記録する。
func (s *MemoryStore) MarkNotificationFailed(_ context.Context, trackerID, reason string, maxAttempts int, now time.Time) (model.NotificationStatus, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[trackerID]
	if !ok || t.CompletionNotice.Status != model.NotificationSending {
		return "", 0, ErrVersionConflict
	}
	n := &t.CompletionNotice
	n.Attempts++
	n.Status = model.NotificationPending
	if n.Attempts >= maxAttempts {
		n.Status = model.NotificationError
	}
	n.LastError = reason
	n.ClaimedAt = nil
	t.UpdatedAt = now
	return n.Status, n.Attempts, nil
}

// ListExpiredTrackers は未完了かつ再開期限切れの追跡レコードを取得する。
func (s *MemoryStore) ListExpiredTrackers(_ context.Context, now time.Time, limit int) ([]ExpiredTracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*model.Tracker
	for _, t := range s.trackers {
		if t.ResumeExpired(now) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ResumeExpiresAt.Before(matched[j].ResumeExpiresAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]ExpiredTracker, 0, len(matched))
	for _, t := range matched {
		out = append(out, ExpiredTracker{ID: t.ID, Forms: t.Forms.Clone()})
	}
	return out, nil
}

// DeleteExpiredBatch は子フォームと追跡レコードをまとめて削除する。
// 削除対象をすべて確定してから反映するため、途中で失敗した場合は何も変更しない。
func (s *MemoryStore) DeleteExpiredBatch(_ context.Context, batch DeleteBatch) (DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked := make(map[string]bool)
	for _, id := range batch.TrackerIDs {
		if t, ok := s.trackers[id]; ok && t.ResumeExpired(batch.Now) {
			locked[id] = true
		}
	}

	result := DeleteResult{Children: make(map[model.FormKind]int64)}
	pending := make(map[model.FormKind][]string)
	for _, kind := range model.FormKinds() {
		for _, formID := range batch.Children[kind] {
			f, ok := s.forms[kind][formID]
			if !ok || !locked[f.trackerID] {
				continue
			}
			pending[kind] = append(pending[kind], formID)
		}
		if len(pending[kind]) > 0 {
			if err := s.childDeleteErrs[kind]; err != nil {
				return DeleteResult{}, err
			}
		}
	}

	for kind, ids := range pending {
		for _, id := range ids {
			delete(s.forms[kind], id)
		}
		result.Children[kind] = int64(len(ids))
	}
	for id := range locked {
		t := s.trackers[id]
		delete(s.identities, t.IdentityHash)
		delete(s.trackers, id)
		for codeID, c := range s.codes {
			if c.TrackerID == id {
				delete(s.codes, codeID)
			}
		}
		result.Trackers++
	}
	return result, nil
}

// Replace は同じ追跡レコード・用途の既存コードを破棄して新しいコードを保存する。
func (s *MemoryStore) Replace(_ context.Context, code *model.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.codes {
		if c.TrackerID == code.TrackerID && c.Purpose == code.Purpose {
			delete(s.codes, id)
		}
	}
	c := *code
	s.codes[c.ID] = &c
	return nil
}

// Find は条件に一致する確認コードを返す。
func (s *MemoryStore) Find(_ context.Context, trackerID, purpose, identityHash, contactHash string) (*model.VerificationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.codes {
		if c.TrackerID == trackerID && c.Purpose == purpose &&
			c.IdentityHash == identityHash && c.ContactHash == contactHash {
			out := *c
			return &out, nil
		}
	}
	return nil, nil
}

// ReserveAttempt は上限未満の場合のみ試行回数を1つ進める。
func (s *MemoryStore) ReserveAttempt(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return 0, ErrVerificationNotFound
	}
	if c.Attempts >= c.MaxAttempts {
		return 0, ErrVerificationAttemptsExhausted
	}
	c.Attempts++
	return c.Attempts, nil
}

// Consume は確認コードを削除する。
func (s *MemoryStore) Consume(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[id]; !ok {
		return false, nil
	}
	delete(s.codes, id)
	return true, nil
}

// compile-time interface check
var (
	_ TrackerRepository          = (*MemoryStore)(nil)
	_ ContactLookup              = (*MemoryStore)(nil)
	_ NotificationRepository     = (*MemoryStore)(nil)
	_ ReaperRepository           = (*MemoryStore)(nil)
	_ VerificationCodeRepository = (*MemoryStore)(nil)
)
