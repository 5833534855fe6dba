package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/driverhire/internal/model"
)

// formTables は子フォーム種別とテーブル名の対応。
var formTables = map[model.FormKind]string{
	model.FormPreQualification:     "pre_qualifications",
	model.FormDriverApplication:    "application_forms",
	model.FormPoliciesConsents:     "policies_consents",
	model.FormDriveTest:            "drive_tests",
	model.FormDrugTest:             "drug_tests",
	model.FormCarriersEdgeTraining: "carriers_edge_trainings",
	model.FormFlatbedTraining:      "flatbed_trainings",
}

const trackerColumns = `id, identity_hash, identity_encrypted, company_id,
	current_step, completed_step, completed, needs_flatbed_training, skipped_steps,
	terminated, invitation_approved, resume_expires_at, forms,
	notice_status, notice_attempts, notice_consent, notice_sent_at, notice_last_error, notice_claimed_at,
	version, created_at, updated_at`

// uniqueViolation はPostgreSQLの一意制約違反コード。
const uniqueViolation = "23505"

// PostgresTrackerRepo はPostgreSQLを使用した追跡レコードリポジトリ。
type PostgresTrackerRepo struct {
	db *sql.DB
}

// NewPostgresTrackerRepo はPostgresTrackerRepoを生成する。
func NewPostgresTrackerRepo(db *sql.DB) *PostgresTrackerRepo {
	return &PostgresTrackerRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTracker(row rowScanner) (*model.Tracker, error) {
	t := &model.Tracker{}
	var currentStep, completedStep, noticeStatus string
	var skipped []string
	var forms []byte
	var sentAt, claimedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.IdentityHash, &t.IdentityEncrypted, &t.CompanyID,
		&currentStep, &completedStep, &t.Status.Completed, &t.Plan.NeedsFlatbedTraining, pq.Array(&skipped),
		&t.Terminated, &t.InvitationApproved, &t.ResumeExpiresAt, &forms,
		&noticeStatus, &t.CompletionNotice.Attempts, &t.CompletionNotice.ConsentGiven,
		&sentAt, &t.CompletionNotice.LastError, &claimedAt,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status.CurrentStep = model.Step(currentStep)
	t.Status.CompletedStep = model.Step(completedStep)
	for _, s := range skipped {
		t.Plan.SkippedSteps = append(t.Plan.SkippedSteps, model.Step(s))
	}
	t.CompletionNotice.Status = model.NotificationStatus(noticeStatus)
	if sentAt.Valid {
		t.CompletionNotice.SentAt = &sentAt.Time
	}
	if claimedAt.Valid {
		t.CompletionNotice.ClaimedAt = &claimedAt.Time
	}
	refs, err := decodeFormRefs(forms)
	if err != nil {
		return nil, err
	}
	t.Forms = refs
	return t, nil
}

func decodeFormRefs(raw []byte) (model.FormRefs, error) {
	refs := model.FormRefs{}
	if len(raw) == 0 {
		return refs, nil
	}
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, fmt.Errorf("forms列のデコードに失敗しました: %w", err)
	}
	return refs, nil
}

func encodeFormRefs(refs model.FormRefs) (string, error) {
	if refs == nil {
		return "{}", nil
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("forms列のエンコードに失敗しました: %w", err)
	}
	return string(b), nil
}

func jsonbValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func stepStrings(steps []model.Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, string(s))
	}
	return out
}

// FindByID は指定IDの追跡レコードを取得する。見つからない場合はnilを返す。
func (r *PostgresTrackerRepo) FindByID(ctx context.Context, id string) (*model.Tracker, error) {
	t, err := scanTracker(r.db.QueryRowContext(ctx,
		`SELECT `+trackerColumns+` FROM trackers WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("追跡レコードの取得に失敗しました: %w", err)
	}
	return t, nil
}

// FindByIdentityHash は本人識別ハッシュで追跡レコードを検索する。見つからない場合はnilを返す。
func (r *PostgresTrackerRepo) FindByIdentityHash(ctx context.Context, identityHash string) (*model.Tracker, error) {
	t, err := scanTracker(r.db.QueryRowContext(ctx,
		`SELECT `+trackerColumns+` FROM trackers WHERE identity_hash = $1`, identityHash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("本人識別ハッシュによる検索に失敗しました: %w", err)
	}
	return t, nil
}

// Create は追跡レコードと初期の子フォームを同一トランザクションで作成する。
func (r *PostgresTrackerRepo) Create(ctx context.Context, tracker *model.Tracker, forms []model.FormDocument) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if tracker.Forms == nil {
		tracker.Forms = model.FormRefs{}
	}
	for _, f := range forms {
		if err := insertForm(ctx, tx, f); err != nil {
			return err
		}
		tracker.Forms[f.Kind] = f.ID
	}
	refs, err := encodeFormRefs(tracker.Forms)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO trackers (
			id, identity_hash, identity_encrypted, company_id,
			current_step, completed_step, completed, needs_flatbed_training, skipped_steps,
			terminated, invitation_approved, resume_expires_at, forms,
			notice_status, notice_attempts, notice_consent, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15, $16, $17, $18, $19)`,
		tracker.ID, tracker.IdentityHash, tracker.IdentityEncrypted, tracker.CompanyID,
		string(tracker.Status.CurrentStep), string(tracker.Status.CompletedStep), tracker.Status.Completed,
		tracker.Plan.NeedsFlatbedTraining, pq.Array(stepStrings(tracker.Plan.SkippedSteps)),
		tracker.Terminated, tracker.InvitationApproved, tracker.ResumeExpiresAt, refs,
		string(tracker.CompletionNotice.Status), tracker.CompletionNotice.Attempts, tracker.CompletionNotice.ConsentGiven,
		tracker.Version, tracker.CreatedAt, tracker.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateIdentity
		}
		return fmt.Errorf("追跡レコードの作成に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// insertForm は子フォームを1件挿入する。
func insertForm(ctx context.Context, tx *sql.Tx, f model.FormDocument) error {
	table, ok := formTables[f.Kind]
	if !ok {
		return fmt.Errorf("不明な子フォーム種別です: %s", f.Kind)
	}

	if f.Kind == model.FormDriverApplication {
		pages, err := json.Marshal(map[string]json.RawMessage{
			strconv.Itoa(f.Page): json.RawMessage(jsonbValue(f.Payload)),
		})
		if err != nil {
			return fmt.Errorf("申請フォームのエンコードに失敗しました: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO application_forms (id, tracker_id, email, applicant_name, pages, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $6)`,
			f.ID, f.TrackerID, f.ContactEmail, f.ApplicantName, string(pages), f.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("申請フォームの作成に失敗しました: %w", err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO `+table+` (id, tracker_id, payload, created_at) VALUES ($1, $2, $3::jsonb, $4)`,
		f.ID, f.TrackerID, jsonbValue(f.Payload), f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("子フォーム(%s)の作成に失敗しました: %w", f.Kind, err)
	}
	return nil
}

// SaveStep はステップ書き込みを条件付きで適用する。
// 対象行をFOR UPDATEでロックしてから子フォームと追跡レコードを同一トランザクションで更新する。
func (r *PostgresTrackerRepo) SaveStep(ctx context.Context, w StepWrite) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rawForms []byte
	err = tx.QueryRowContext(ctx,
		`SELECT forms FROM trackers
		 WHERE id = $1 AND version = $2 AND terminated = FALSE AND completed = FALSE
		 FOR UPDATE`,
		w.TrackerID, w.ExpectedVersion,
	).Scan(&rawForms)
	if err == sql.ErrNoRows {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("追跡レコードのロックに失敗しました: %w", err)
	}
	forms, err := decodeFormRefs(rawForms)
	if err != nil {
		return err
	}

	kind := w.Form.Kind
	existingID, hasExisting := forms[kind]
	updated := false
	if kind == model.FormDriverApplication && hasExisting {
		res, err := tx.ExecContext(ctx,
			`UPDATE application_forms
			 SET pages = jsonb_set(pages, ARRAY[$2::text], $3::jsonb, true),
			     email = CASE WHEN $4::boolean THEN $5 ELSE email END,
			     applicant_name = CASE WHEN $4::boolean THEN $6 ELSE applicant_name END,
			     updated_at = $7
			 WHERE id = $1 AND tracker_id = $8`,
			existingID, strconv.Itoa(w.Form.Page), jsonbValue(w.Form.Payload),
			w.Form.Page == 1, w.Form.ContactEmail, w.Form.ApplicantName, w.UpdatedAt, w.TrackerID,
		)
		if err != nil {
			return fmt.Errorf("申請フォームの更新に失敗しました: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		updated = n > 0
	}
	if !updated {
		if err := insertForm(ctx, tx, w.Form); err != nil {
			return err
		}
		forms[kind] = w.Form.ID
		if hasExisting && existingID != w.Form.ID {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM `+formTables[kind]+` WHERE id = $1 AND tracker_id = $2`,
				existingID, w.TrackerID,
			)
			if err != nil {
				return fmt.Errorf("旧子フォーム(%s)の削除に失敗しました: %w", kind, err)
			}
		}
	}

	refs, err := encodeFormRefs(forms)
	if err != nil {
		return err
	}
	var consent sql.NullBool
	if w.ConsentGiven != nil {
		consent = sql.NullBool{Bool: *w.ConsentGiven, Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE trackers
		 SET current_step = $3, completed_step = $4, completed = $5,
		     resume_expires_at = $6, forms = $7::jsonb,
		     notice_consent = COALESCE($8, notice_consent),
		     version = version + 1, updated_at = $9
		 WHERE id = $1 AND version = $2`,
		w.TrackerID, w.ExpectedVersion,
		string(w.Status.CurrentStep), string(w.Status.CompletedStep), w.Status.Completed,
		w.ResumeExpiresAt, refs, consent, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("追跡レコードの更新に失敗しました: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetInvitationApproved は招待承認フラグを更新する。
func (r *PostgresTrackerRepo) SetInvitationApproved(ctx context.Context, id string, approved bool, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE trackers SET invitation_approved = $2, version = version + 1, updated_at = $3
		 WHERE id = $1 AND terminated = FALSE`,
		id, approved, now,
	)
	if err != nil {
		return false, fmt.Errorf("招待承認の更新に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// Terminate は追跡レコードを終了済みにする。
func (r *PostgresTrackerRepo) Terminate(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE trackers SET terminated = TRUE, version = version + 1, updated_at = $2
		 WHERE id = $1 AND terminated = FALSE`,
		id, now,
	)
	if err != nil {
		return false, fmt.Errorf("追跡レコードの終了に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// FindContact は申請フォームIDから連絡先を取得する。見つからない場合はnilを返す。
func (r *PostgresTrackerRepo) FindContact(ctx context.Context, formID string) (*Contact, error) {
	c := &Contact{}
	err := r.db.QueryRowContext(ctx,
		`SELECT email, applicant_name FROM application_forms WHERE id = $1`,
		formID,
	).Scan(&c.Email, &c.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("連絡先の取得に失敗しました: %w", err)
	}
	return c, nil
}

// compile-time interface check
var (
	_ TrackerRepository = (*PostgresTrackerRepo)(nil)
	_ ContactLookup     = (*PostgresTrackerRepo)(nil)
)
