package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hitoshi/driverhire/internal/model"
)

// MongoStore はMongoDBを使用したストア。全リポジトリインターフェースを実装する。
// 複数ドキュメントにまたがる書き込みはトランザクションを使うため、
// レプリカセット構成のMongoDBが必要。
//
// コレクション:
//
//	trackers            追跡レコード（_id = 追跡ID）
//	<子フォーム種別>      PostgreSQLのテーブル名と同じ名前のコレクション
//	verification_codes  確認コード
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore はMongoStoreを生成する。dbNameが空の場合は"driverhire"を使う。
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "driverhire"
	}
	return &MongoStore{client: client, db: client.Database(dbName)}
}

type mongoNoticeDoc struct {
	Status       string     `bson:"status"`
	Attempts     int        `bson:"attempts"`
	ConsentGiven bool       `bson:"consent_given"`
	SentAt       *time.Time `bson:"sent_at,omitempty"`
	LastError    string     `bson:"last_error"`
	ClaimedAt    *time.Time `bson:"claimed_at,omitempty"`
}

type mongoTrackerDoc struct {
	ID                   string            `bson:"_id"`
	IdentityHash         string            `bson:"identity_hash"`
	IdentityEncrypted    []byte            `bson:"identity_encrypted"`
	CompanyID            string            `bson:"company_id"`
	CurrentStep          string            `bson:"current_step"`
	CompletedStep        string            `bson:"completed_step"`
	Completed            bool              `bson:"completed"`
	NeedsFlatbedTraining bool              `bson:"needs_flatbed_training"`
	SkippedSteps         []string          `bson:"skipped_steps"`
	Terminated           bool              `bson:"terminated"`
	InvitationApproved   bool              `bson:"invitation_approved"`
	ResumeExpiresAt      time.Time         `bson:"resume_expires_at"`
	Forms                map[string]string `bson:"forms"`
	Notice               mongoNoticeDoc    `bson:"notice"`
	Version              int64             `bson:"version"`
	CreatedAt            time.Time         `bson:"created_at"`
	UpdatedAt            time.Time         `bson:"updated_at"`
}

// mongoFormDoc は子フォームのドキュメント。ペイロードはJSON文字列のまま保存する。
type mongoFormDoc struct {
	ID            string            `bson:"_id"`
	TrackerID     string            `bson:"tracker_id"`
	Email         string            `bson:"email,omitempty"`
	ApplicantName string            `bson:"applicant_name,omitempty"`
	Payload       string            `bson:"payload,omitempty"`
	Pages         map[string]string `bson:"pages,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
	UpdatedAt     time.Time         `bson:"updated_at"`
}

type mongoCodeDoc struct {
	ID           string    `bson:"_id"`
	TrackerID    string    `bson:"tracker_id"`
	Purpose      string    `bson:"purpose"`
	IdentityHash string    `bson:"identity_hash"`
	ContactHash  string    `bson:"contact_hash"`
	CodeHash     string    `bson:"code_hash"`
	ExpiresAt    time.Time `bson:"expires_at"`
	Attempts     int       `bson:"attempts"`
	MaxAttempts  int       `bson:"max_attempts"`
	CreatedAt    time.Time `bson:"created_at"`
}

func toMongoTracker(t *model.Tracker) mongoTrackerDoc {
	forms := make(map[string]string, len(t.Forms))
	for k, v := range t.Forms {
		forms[string(k)] = v
	}
	return mongoTrackerDoc{
		ID:                   t.ID,
		IdentityHash:         t.IdentityHash,
		IdentityEncrypted:    t.IdentityEncrypted,
		CompanyID:            t.CompanyID,
		CurrentStep:          string(t.Status.CurrentStep),
		CompletedStep:        string(t.Status.CompletedStep),
		Completed:            t.Status.Completed,
		NeedsFlatbedTraining: t.Plan.NeedsFlatbedTraining,
		SkippedSteps:         stepStrings(t.Plan.SkippedSteps),
		Terminated:           t.Terminated,
		InvitationApproved:   t.InvitationApproved,
		ResumeExpiresAt:      t.ResumeExpiresAt,
		Forms:                forms,
		Notice: mongoNoticeDoc{
			Status:       string(t.CompletionNotice.Status),
			Attempts:     t.CompletionNotice.Attempts,
			ConsentGiven: t.CompletionNotice.ConsentGiven,
			SentAt:       t.CompletionNotice.SentAt,
			LastError:    t.CompletionNotice.LastError,
			ClaimedAt:    t.CompletionNotice.ClaimedAt,
		},
		Version:   t.Version,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func (d mongoTrackerDoc) toModel() *model.Tracker {
	t := &model.Tracker{
		ID:                d.ID,
		IdentityHash:      d.IdentityHash,
		IdentityEncrypted: d.IdentityEncrypted,
		CompanyID:         d.CompanyID,
		Status: model.TrackerStatus{
			CurrentStep:   model.Step(d.CurrentStep),
			CompletedStep: model.Step(d.CompletedStep),
			Completed:     d.Completed,
		},
		Plan:               model.StepPlan{NeedsFlatbedTraining: d.NeedsFlatbedTraining},
		Terminated:         d.Terminated,
		InvitationApproved: d.InvitationApproved,
		ResumeExpiresAt:    d.ResumeExpiresAt,
		Forms:              model.FormRefs{},
		CompletionNotice: model.CompletionNotice{
			Status:       model.NotificationStatus(d.Notice.Status),
			Attempts:     d.Notice.Attempts,
			ConsentGiven: d.Notice.ConsentGiven,
			SentAt:       d.Notice.SentAt,
			LastError:    d.Notice.LastError,
			ClaimedAt:    d.Notice.ClaimedAt,
		},
		Version:   d.Version,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, s := range d.SkippedSteps {
		t.Plan.SkippedSteps = append(t.Plan.SkippedSteps, model.Step(s))
	}
	for k, v := range d.Forms {
		t.Forms[model.FormKind(k)] = v
	}
	return t
}

func toMongoForm(f model.FormDocument, now time.Time) mongoFormDoc {
	doc := mongoFormDoc{
		ID:        f.ID,
		TrackerID: f.TrackerID,
		CreatedAt: f.CreatedAt,
		UpdatedAt: now,
	}
	if f.Kind == model.FormDriverApplication {
		doc.Email = f.ContactEmail
		doc.ApplicantName = f.ApplicantName
		doc.Pages = map[string]string{strconv.Itoa(f.Page): jsonbValue(f.Payload)}
	} else {
		doc.Payload = jsonbValue(f.Payload)
	}
	return doc
}

func (s *MongoStore) trackers() *mongo.Collection { return s.db.Collection("trackers") }
func (s *MongoStore) codes() *mongo.Collection    { return s.db.Collection("verification_codes") }
func (s *MongoStore) forms(kind model.FormKind) *mongo.Collection {
	return s.db.Collection(formTables[kind])
}

// EnsureIndexes は必要なインデックスを作成する。起動時に1回呼び出す。
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.trackers().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "identity_hash", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "completed", Value: 1}, {Key: "resume_expires_at", Value: 1}}},
		{Keys: bson.D{{Key: "completed", Value: 1}, {Key: "notice.consent_given", Value: 1}, {Key: "updated_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("trackersのインデックス作成に失敗しました: %w", err)
	}

	_, err = s.codes().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tracker_id", Value: 1}, {Key: "purpose", Value: 1}}, Options: options.Index().SetUnique(true)},
		// 期限切れコードの掃除。判定自体はexpires_atで行うため削除タイミングは厳密でなくてよい。
		{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(3600)},
	})
	if err != nil {
		return fmt.Errorf("verification_codesのインデックス作成に失敗しました: %w", err)
	}

	for _, kind := range model.FormKinds() {
		_, err := s.forms(kind).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "tracker_id", Value: 1}},
		})
		if err != nil {
			return fmt.Errorf("%sのインデックス作成に失敗しました: %w", formTables[kind], err)
		}
	}
	return nil
}

// withTransaction はfnをトランザクション内で実行する。
func (s *MongoStore) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (s *MongoStore) findTracker(ctx context.Context, filter bson.M) (*model.Tracker, error) {
	var doc mongoTrackerDoc
	err := s.trackers().FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trackersコレクションの読み取りに失敗しました: %w", err)
	}
	return doc.toModel(), nil
}

// FindByID は指定IDの追跡レコードを取得する。見つからない場合はnilを返す。
func (s *MongoStore) FindByID(ctx context.Context, id string) (*model.Tracker, error) {
	t, err := s.findTracker(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, fmt.Errorf("追跡レコードの取得に失敗しました: %w", err)
	}
	return t, nil
}

// FindByIdentityHash は本人識別ハッシュで追跡レコードを検索する。
func (s *MongoStore) FindByIdentityHash(ctx context.Context, identityHash string) (*model.Tracker, error) {
	t, err := s.findTracker(ctx, bson.M{"identity_hash": identityHash})
	if err != nil {
		return nil, fmt.Errorf("本人識別ハッシュによる検索に失敗しました: %w", err)
	}
	return t, nil
}

// Create は追跡レコードと初期の子フォームを同一トランザクションで作成する。
func (s *MongoStore) Create(ctx context.Context, tracker *model.Tracker, forms []model.FormDocument) error {
	if tracker.Forms == nil {
		tracker.Forms = model.FormRefs{}
	}
	for _, f := range forms {
		tracker.Forms[f.Kind] = f.ID
	}

	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		for _, f := range forms {
			if _, err := s.forms(f.Kind).InsertOne(sc, toMongoForm(f, tracker.CreatedAt)); err != nil {
				return fmt.Errorf("子フォーム(%s)の作成に失敗しました: %w", f.Kind, err)
			}
		}
		if _, err := s.trackers().InsertOne(sc, toMongoTracker(tracker)); err != nil {
			return err
		}
		return nil
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateIdentity
	}
	if err != nil {
		return fmt.Errorf("追跡レコードの作成に失敗しました: %w", err)
	}
	return nil
}

// SaveStep はステップ書き込みを条件付きで適用する。
func (s *MongoStore) SaveStep(ctx context.Context, w StepWrite) error {
	return s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		var doc mongoTrackerDoc
		err := s.trackers().FindOne(sc, bson.M{
			"_id":        w.TrackerID,
			"version":    w.ExpectedVersion,
			"terminated": false,
			"completed":  false,
		}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("追跡レコードの取得に失敗しました: %w", err)
		}

		kind := w.Form.Kind
		forms := doc.Forms
		if forms == nil {
			forms = map[string]string{}
		}
		existingID, hasExisting := forms[string(kind)]

		updated := false
		if kind == model.FormDriverApplication && hasExisting {
			set := bson.M{
				"pages." + strconv.Itoa(w.Form.Page): jsonbValue(w.Form.Payload),
				"updated_at":                         w.UpdatedAt,
			}
			if w.Form.Page == 1 {
				set["email"] = w.Form.ContactEmail
				set["applicant_name"] = w.Form.ApplicantName
			}
			res, err := s.forms(kind).UpdateOne(sc,
				bson.M{"_id": existingID, "tracker_id": w.TrackerID},
				bson.M{"$set": set},
			)
			if err != nil {
				return fmt.Errorf("申請フォームの更新に失敗しました: %w", err)
			}
			updated = res.MatchedCount > 0
		}
		if !updated {
			if _, err := s.forms(kind).InsertOne(sc, toMongoForm(w.Form, w.UpdatedAt)); err != nil {
				return fmt.Errorf("子フォーム(%s)の作成に失敗しました: %w", kind, err)
			}
			forms[string(kind)] = w.Form.ID
			if hasExisting && existingID != w.Form.ID {
				_, err := s.forms(kind).DeleteOne(sc, bson.M{"_id": existingID, "tracker_id": w.TrackerID})
				if err != nil {
					return fmt.Errorf("旧子フォーム(%s)の削除に失敗しました: %w", kind, err)
				}
			}
		}

		set := bson.M{
			"current_step":      string(w.Status.CurrentStep),
			"completed_step":    string(w.Status.CompletedStep),
			"completed":         w.Status.Completed,
			"resume_expires_at": w.ResumeExpiresAt,
			"forms":             forms,
			"updated_at":        w.UpdatedAt,
		}
		if w.ConsentGiven != nil {
			set["notice.consent_given"] = *w.ConsentGiven
		}
		res, err := s.trackers().UpdateOne(sc,
			bson.M{"_id": w.TrackerID, "version": w.ExpectedVersion},
			bson.M{"$set": set, "$inc": bson.M{"version": 1}},
		)
		if err != nil {
			return fmt.Errorf("追跡レコードの更新に失敗しました: %w", err)
		}
		if res.MatchedCount == 0 {
			return ErrVersionConflict
		}
		return nil
	})
}

func (s *MongoStore) updateActive(ctx context.Context, id string, set bson.M) (bool, error) {
	res, err := s.trackers().UpdateOne(ctx,
		bson.M{"_id": id, "terminated": false},
		bson.M{"$set": set, "$inc": bson.M{"version": 1}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// SetInvitationApproved は招待承認フラグを更新する。
func (s *MongoStore) SetInvitationApproved(ctx context.Context, id string, approved bool, now time.Time) (bool, error) {
	ok, err := s.updateActive(ctx, id, bson.M{"invitation_approved": approved, "updated_at": now})
	if err != nil {
		return false, fmt.Errorf("招待承認の更新に失敗しました: %w", err)
	}
	return ok, nil
}

// Terminate は追跡レコードを終了済みにする。
func (s *MongoStore) Terminate(ctx context.Context, id string, now time.Time) (bool, error) {
	ok, err := s.updateActive(ctx, id, bson.M{"terminated": true, "updated_at": now})
	if err != nil {
		return false, fmt.Errorf("追跡レコードの終了に失敗しました: %w", err)
	}
	return ok, nil
}

// FindContact は申請フォームIDから連絡先を取得する。
func (s *MongoStore) FindContact(ctx context.Context, formID string) (*Contact, error) {
	var doc mongoFormDoc
	err := s.forms(model.FormDriverApplication).FindOne(ctx, bson.M{"_id": formID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("連絡先の取得に失敗しました: %w", err)
	}
	return &Contact{Email: doc.Email, Name: doc.ApplicantName}, nil
}

// eligibleNoticeFilter は候補検索とクレームで共通の送信対象条件。
func eligibleNoticeFilter(e NotificationEligibility) bson.M {
	return bson.M{
		"completed":            true,
		"notice.consent_given": true,
		"terminated":           false,
		"notice.attempts":      bson.M{"$lt": e.MaxAttempts},
		"$or": bson.A{
			bson.M{"notice.status": bson.M{"$in": bson.A{
				string(model.NotificationNotSent),
				string(model.NotificationPending),
				string(model.NotificationError),
			}}},
			bson.M{
				"notice.status":     string(model.NotificationSending),
				"notice.claimed_at": bson.M{"$lt": e.StaleBefore},
			},
		},
	}
}

// ListNotificationCandidates は送信候補を更新日時の古い順に取得する。
func (s *MongoStore) ListNotificationCandidates(ctx context.Context, e NotificationEligibility, limit int) ([]NotificationCandidate, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: eligibleNoticeFilter(e)}},
		{{Key: "$sort", Value: bson.D{{Key: "updated_at", Value: 1}, {Key: "_id", Value: 1}}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         formTables[model.FormDriverApplication],
			"localField":   "forms." + string(model.FormDriverApplication),
			"foreignField": "_id",
			"as":           "application",
		}}},
		{{Key: "$unwind", Value: "$application"}},
		{{Key: "$match", Value: bson.M{"application.email": bson.M{"$nin": bson.A{"", nil}}}}},
		{{Key: "$limit", Value: limit}},
		{{Key: "$project", Value: bson.M{
			"status":         "$notice.status",
			"attempts":       "$notice.attempts",
			"email":          "$application.email",
			"applicant_name": "$application.applicant_name",
		}}},
	}

	cur, err := s.trackers().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("通知候補の取得に失敗しました: %w", err)
	}
	defer cur.Close(ctx)

	var candidates []NotificationCandidate
	for cur.Next(ctx) {
		var row struct {
			ID            string `bson:"_id"`
			Status        string `bson:"status"`
			Attempts      int    `bson:"attempts"`
			Email         string `bson:"email"`
			ApplicantName string `bson:"applicant_name"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("通知候補のデコードに失敗しました: %w", err)
		}
		candidates = append(candidates, NotificationCandidate{
			TrackerID:     row.ID,
			Email:         row.Email,
			ApplicantName: row.ApplicantName,
			Status:        model.NotificationStatus(row.Status),
			Attempts:      row.Attempts,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("通知候補の取得に失敗しました: %w", err)
	}
	return candidates, nil
}

// ClaimNotification は送信対象条件をフィルタに含めたFindOneAndUpdateでSENDINGに遷移させる。
func (s *MongoStore) ClaimNotification(ctx context.Context, trackerID string, e NotificationEligibility) (bool, error) {
	filter := eligibleNoticeFilter(e)
	filter["_id"] = trackerID

	err := s.trackers().FindOneAndUpdate(ctx, filter,
		bson.M{"$set": bson.M{
			"notice.status":     string(model.NotificationSending),
			"notice.claimed_at": e.Now,
			"updated_at":        e.Now,
		}},
		options.FindOneAndUpdate().SetProjection(bson.M{"_id": 1}),
	).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("通知のクレームに失敗しました: %w", err)
	}
	return true, nil
}

// MarkNotificationSent は送信完了を記録する。
func (s *MongoStore) MarkNotificationSent(ctx context.Context, trackerID string, sentAt time.Time) error {
	res, err := s.trackers().UpdateOne(ctx,
		bson.M{"_id": trackerID, "notice.status": string(model.NotificationSending)},
		bson.M{
			"$set": bson.M{
				"notice.status":     string(model.NotificationSent),
				"notice.sent_at":    sentAt,
				"notice.last_error": "",
				"updated_at":        sentAt,
			},
			"$unset": bson.M{"notice.claimed_at": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("送信完了の記録に失敗しました: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrVersionConflict
	}
	return nil
}

// MarkNotificationFailed は送信失敗を記録する。
// 更新パイプラインで加算後のattemptsからstatusを決める。
func (s *MongoStore) MarkNotificationFailed(ctx context.Context, trackerID, reason string, maxAttempts int, now time.Time) (model.NotificationStatus, int, error) {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"notice.attempts":   bson.M{"$add": bson.A{"$notice.attempts", 1}},
			"notice.last_error": bson.M{"$literal": reason},
			"updated_at":        now,
		}}},
		{{Key: "$set", Value: bson.M{
			"notice.status": bson.M{"$cond": bson.A{
				bson.M{"$gte": bson.A{"$notice.attempts", maxAttempts}},
				string(model.NotificationError),
				string(model.NotificationPending),
			}},
		}}},
		{{Key: "$unset", Value: "notice.claimed_at"}},
	}

	var doc mongoTrackerDoc
	err := s.trackers().FindOneAndUpdate(ctx,
		bson.M{"_id": trackerID, "notice.status": string(model.NotificationSending)},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", 0, ErrVersionConflict
	}
	if err != nil {
		return "", 0, fmt.Errorf("送信失敗の記録に失敗しました: %w", err)
	}
	return model.NotificationStatus(doc.Notice.Status), doc.Notice.Attempts, nil
}

func expiredTrackerFilter(now time.Time) bson.M {
	return bson.M{"completed": false, "resume_expires_at": bson.M{"$lte": now}}
}

// ListExpiredTrackers は未完了かつ再開期限切れの追跡レコードを取得する。
func (s *MongoStore) ListExpiredTrackers(ctx context.Context, now time.Time, limit int) ([]ExpiredTracker, error) {
	cur, err := s.trackers().Find(ctx, expiredTrackerFilter(now),
		options.Find().
			SetSort(bson.D{{Key: "resume_expires_at", Value: 1}}).
			SetLimit(int64(limit)).
			SetProjection(bson.M{"_id": 1, "forms": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("期限切れ追跡レコードの取得に失敗しました: %w", err)
	}
	defer cur.Close(ctx)

	var out []ExpiredTracker
	for cur.Next(ctx) {
		var doc mongoTrackerDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("期限切れ追跡レコードのデコードに失敗しました: %w", err)
		}
		out = append(out, ExpiredTracker{ID: doc.ID, Forms: doc.toModel().Forms})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("期限切れ追跡レコードの取得に失敗しました: %w", err)
	}
	return out, nil
}

// DeleteExpiredBatch は子フォームと追跡レコードを1トランザクションで削除する。
func (s *MongoStore) DeleteExpiredBatch(ctx context.Context, batch DeleteBatch) (DeleteResult, error) {
	var result DeleteResult
	if len(batch.TrackerIDs) == 0 {
		return DeleteResult{Children: map[model.FormKind]int64{}}, nil
	}

	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		result = DeleteResult{Children: make(map[model.FormKind]int64)}

		filter := expiredTrackerFilter(batch.Now)
		filter["_id"] = bson.M{"$in": batch.TrackerIDs}
		cur, err := s.trackers().Find(sc, filter, options.Find().SetProjection(bson.M{"_id": 1}))
		if err != nil {
			return fmt.Errorf("削除対象の確認に失敗しました: %w", err)
		}
		var locked []string
		for cur.Next(sc) {
			var doc struct {
				ID string `bson:"_id"`
			}
			if err := cur.Decode(&doc); err != nil {
				cur.Close(sc)
				return fmt.Errorf("削除対象のデコードに失敗しました: %w", err)
			}
			locked = append(locked, doc.ID)
		}
		cur.Close(sc)
		if len(locked) == 0 {
			return nil
		}

		for _, kind := range model.FormKinds() {
			ids := batch.Children[kind]
			if len(ids) == 0 {
				continue
			}
			res, err := s.forms(kind).DeleteMany(sc, bson.M{
				"_id":        bson.M{"$in": ids},
				"tracker_id": bson.M{"$in": locked},
			})
			if err != nil {
				return fmt.Errorf("子フォーム(%s)の削除に失敗しました: %w", kind, err)
			}
			result.Children[kind] = res.DeletedCount
		}

		trackerFilter := expiredTrackerFilter(batch.Now)
		trackerFilter["_id"] = bson.M{"$in": locked}
		res, err := s.trackers().DeleteMany(sc, trackerFilter)
		if err != nil {
			return fmt.Errorf("追跡レコードの削除に失敗しました: %w", err)
		}
		result.Trackers = res.DeletedCount

		if _, err := s.codes().DeleteMany(sc, bson.M{"tracker_id": bson.M{"$in": locked}}); err != nil {
			return fmt.Errorf("確認コードの削除に失敗しました: %w", err)
		}
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return result, nil
}

// Replace は同じ追跡レコード・用途の既存コードを破棄して新しいコードを保存する。
func (s *MongoStore) Replace(ctx context.Context, code *model.VerificationCode) error {
	if _, err := s.codes().DeleteMany(ctx, bson.M{"tracker_id": code.TrackerID, "purpose": code.Purpose}); err != nil {
		return fmt.Errorf("既存の確認コードの削除に失敗しました: %w", err)
	}
	_, err := s.codes().InsertOne(ctx, mongoCodeDoc{
		ID:           code.ID,
		TrackerID:    code.TrackerID,
		Purpose:      code.Purpose,
		IdentityHash: code.IdentityHash,
		ContactHash:  code.ContactHash,
		CodeHash:     code.CodeHash,
		ExpiresAt:    code.ExpiresAt,
		Attempts:     code.Attempts,
		MaxAttempts:  code.MaxAttempts,
		CreatedAt:    code.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("確認コードの保存に失敗しました: %w", err)
	}
	return nil
}

// Find は条件に一致する確認コードを返す。
func (s *MongoStore) Find(ctx context.Context, trackerID, purpose, identityHash, contactHash string) (*model.VerificationCode, error) {
	var doc mongoCodeDoc
	err := s.codes().FindOne(ctx, bson.M{
		"tracker_id":    trackerID,
		"purpose":       purpose,
		"identity_hash": identityHash,
		"contact_hash":  contactHash,
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("確認コードの取得に失敗しました: %w", err)
	}
	return &model.VerificationCode{
		ID:           doc.ID,
		TrackerID:    doc.TrackerID,
		Purpose:      doc.Purpose,
		IdentityHash: doc.IdentityHash,
		ContactHash:  doc.ContactHash,
		CodeHash:     doc.CodeHash,
		ExpiresAt:    doc.ExpiresAt,
		Attempts:     doc.Attempts,
		MaxAttempts:  doc.MaxAttempts,
		CreatedAt:    doc.CreatedAt,
	}, nil
}

// ReserveAttempt は上限未満の場合のみ試行回数を1つ進めて更新後の値を返す。
func (s *MongoStore) ReserveAttempt(ctx context.Context, id string) (int, error) {
	var doc mongoCodeDoc
	err := s.codes().FindOneAndUpdate(ctx,
		bson.M{
			"_id":   id,
			"$expr": bson.M{"$lt": bson.A{"$attempts", "$max_attempts"}},
		},
		bson.M{"$inc": bson.M{"attempts": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return doc.Attempts, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("試行回数の更新に失敗しました: %w", err)
	}

	n, err := s.codes().CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return 0, fmt.Errorf("確認コードの取得に失敗しました: %w", err)
	}
	if n > 0 {
		return 0, ErrVerificationAttemptsExhausted
	}
	return 0, ErrVerificationNotFound
}

// Consume は確認コードを削除する。
func (s *MongoStore) Consume(ctx context.Context, id string) (bool, error) {
	res, err := s.codes().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("確認コードの削除に失敗しました: %w", err)
	}
	return res.DeletedCount == 1, nil
}

// compile-time interface check
var (
	_ TrackerRepository          = (*MongoStore)(nil)
	_ ContactLookup              = (*MongoStore)(nil)
	_ NotificationRepository     = (*MongoStore)(nil)
	_ ReaperRepository           = (*MongoStore)(nil)
	_ VerificationCodeRepository = (*MongoStore)(nil)
)
