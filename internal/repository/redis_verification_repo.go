package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/driverhire/internal/model"
)

// RedisVerificationRepo はRedisを使用した確認コードリポジトリ。
// キー構成:
//
//	<prefix>code:<id>                    => HASH 確認コード本体
//	<prefix>idx:<trackerID>:<purpose>    => STRING 現在有効なコードID
//
// どちらのキーにも有効期限+猶予のTTLを設定する。
type RedisVerificationRepo struct {
	client *redis.Client
	prefix string
	grace  time.Duration
}

// NewRedisVerificationRepo はRedisVerificationRepoを生成する。prefixが空の場合は"driverhire:"を使う。
func NewRedisVerificationRepo(client *redis.Client, prefix string) *RedisVerificationRepo {
	if prefix == "" {
		prefix = "driverhire:"
	}
	return &RedisVerificationRepo{client: client, prefix: prefix, grace: time.Minute}
}

func (r *RedisVerificationRepo) keyCode(id string) string {
	return r.prefix + "code:" + id
}

func (r *RedisVerificationRepo) keyIndex(trackerID, purpose string) string {
	return r.prefix + "idx:" + trackerID + ":" + purpose
}

// reserveScript はキーが存在し、attemptsがmax_attempts未満の場合のみ加算する。
// HINCRBYは存在しないキーを作成してしまうため、判定と加算をスクリプトで原子的に実行する。
// 戻り値: -1 キーなし、-2 上限到達、それ以外は加算後の値。
var reserveScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'attempts', 'max_attempts')
if not v[1] then
  return -1
end
if tonumber(v[1]) >= tonumber(v[2]) then
  return -2
end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)

// replaceScript は現在のコードIDを索引から読み、旧コードの削除・新コードの保存・索引の張り替えを
// 1回の原子的な操作で行う。
// KEYS[1] 索引キー, KEYS[2] 新コードキー
// ARGV[1] コードキーの接頭辞, ARGV[2] 新コードID, ARGV[3] TTL(ミリ秒), ARGV[4..] HASHのフィールドと値
var replaceScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if old and old ~= ARGV[2] then
  redis.call('DEL', ARGV[1] .. old)
end
redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[2], unpack(ARGV, 4))
redis.call('PEXPIRE', KEYS[2], ARGV[3])
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Replace は同じ追跡レコード・用途の既存コードを破棄して新しいコードを保存する。
func (r *RedisVerificationRepo) Replace(ctx context.Context, code *model.VerificationCode) error {
	ttl := time.Until(code.ExpiresAt) + r.grace
	if ttl <= 0 {
		ttl = r.grace
	}
	keys := []string{r.keyIndex(code.TrackerID, code.Purpose), r.keyCode(code.ID)}
	args := []any{
		r.keyCode(""), code.ID, ttl.Milliseconds(),
		"tracker_id", code.TrackerID,
		"purpose", code.Purpose,
		"identity_hash", code.IdentityHash,
		"contact_hash", code.ContactHash,
		"code_hash", code.CodeHash,
		"expires_at", code.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"attempts", code.Attempts,
		"max_attempts", code.MaxAttempts,
		"created_at", code.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := replaceScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("確認コードの保存に失敗しました: %w", err)
	}
	return nil
}

// Find は条件に一致する確認コードを返す。見つからない場合はnilを返す。
func (r *RedisVerificationRepo) Find(ctx context.Context, trackerID, purpose, identityHash, contactHash string) (*model.VerificationCode, error) {
	id, err := r.client.Get(ctx, r.keyIndex(trackerID, purpose)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("確認コードの取得に失敗しました: %w", err)
	}

	fields, err := r.client.HGetAll(ctx, r.keyCode(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("確認コードの取得に失敗しました: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	code, err := decodeRedisCode(id, fields)
	if err != nil {
		return nil, err
	}
	if code.IdentityHash != identityHash || code.ContactHash != contactHash {
		return nil, nil
	}
	return code, nil
}

func decodeRedisCode(id string, f map[string]string) (*model.VerificationCode, error) {
	attempts, err := strconv.Atoi(f["attempts"])
	if err != nil {
		return nil, fmt.Errorf("attemptsの解析に失敗しました: %w", err)
	}
	maxAttempts, err := strconv.Atoi(f["max_attempts"])
	if err != nil {
		return nil, fmt.Errorf("max_attemptsの解析に失敗しました: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, f["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("expires_atの解析に失敗しました: %w", err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, f["created_at"])

	return &model.VerificationCode{
		ID:           id,
		TrackerID:    f["tracker_id"],
		Purpose:      f["purpose"],
		IdentityHash: f["identity_hash"],
		ContactHash:  f["contact_hash"],
		CodeHash:     f["code_hash"],
		ExpiresAt:    expiresAt,
		Attempts:     attempts,
		MaxAttempts:  maxAttempts,
		CreatedAt:    createdAt,
	}, nil
}

// ReserveAttempt は上限未満の場合のみ試行回数を1つ進めて更新後の値を返す。
func (r *RedisVerificationRepo) ReserveAttempt(ctx context.Context, id string) (int, error) {
	n, err := reserveScript.Run(ctx, r.client, []string{r.keyCode(id)}).Int()
	if err != nil {
		return 0, fmt.Errorf("試行回数の更新に失敗しました: %w", err)
	}
	switch n {
	case -1:
		return 0, ErrVerificationNotFound
	case -2:
		return 0, ErrVerificationAttemptsExhausted
	}
	return n, nil
}

// Consume は確認コードを削除する。DELが1件を返した呼び出しのみ成功とする。
func (r *RedisVerificationRepo) Consume(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Del(ctx, r.keyCode(id)).Result()
	if err != nil {
		return false, fmt.Errorf("確認コードの削除に失敗しました: %w", err)
	}
	return n == 1, nil
}

// compile-time interface check
var _ VerificationCodeRepository = (*RedisVerificationRepo)(nil)
