// Package testutil はテスト用のコンテナ起動ヘルパーを提供する。
// Dockerが利用できない環境ではテストをスキップする。
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	mongoOnce sync.Once
	mongoURI  string
	mongoErr  error

	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// MongoURI は単一ノードのレプリカセットとして起動したMongoDBの接続URIを返す。
// トランザクションを使うためレプリカセットが必要。
func MongoURI(t *testing.T) string {
	t.Helper()
	mongoOnce.Do(func() {
		mongoURI, mongoErr = startMongoReplicaSet()
	})
	if mongoErr != nil {
		t.Skipf("MongoDBコンテナを起動できません（スキップ）: %v", mongoErr)
	}
	return mongoURI
}

// RedisAddr はRedisコンテナのアドレス（host:port）を返す。
func RedisAddr(t *testing.T) string {
	t.Helper()
	redisOnce.Do(func() {
		redisAddr, redisErr = startRedis()
	})
	if redisErr != nil {
		t.Skipf("Redisコンテナを起動できません（スキップ）: %v", redisErr)
	}
	return redisAddr
}

func startMongoReplicaSet() (uri string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	// Dockerが無い環境ではtestcontainersがpanicすることがある
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("MongoDBコンテナの起動でpanicしました: %v", r)
		}
	}()

	c, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithCmd("mongod", "--replSet", "rs0", "--bind_ip_all"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp").WithStartupTimeout(2*time.Minute),
		),
	)
	if err != nil {
		return "", fmt.Errorf("MongoDBコンテナの起動に失敗しました: %w", err)
	}

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background())
		return "", err
	}
	uri = fmt.Sprintf("mongodb://%s/?directConnection=true", endpoint)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		_ = c.Terminate(context.Background())
		return "", err
	}
	defer client.Disconnect(context.Background())

	initiate := bson.D{{Key: "replSetInitiate", Value: bson.M{
		"_id":     "rs0",
		"members": bson.A{bson.M{"_id": 0, "host": "127.0.0.1:27017"}},
	}}}
	if err := client.Database("admin").RunCommand(ctx, initiate).Err(); err != nil {
		_ = c.Terminate(context.Background())
		return "", fmt.Errorf("replSetInitiateに失敗しました: %w", err)
	}

	// プライマリに昇格するまで待つ
	for {
		var hello struct {
			IsWritablePrimary bool `bson:"isWritablePrimary"`
		}
		err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello)
		if err == nil && hello.IsWritablePrimary {
			return uri, nil
		}
		select {
		case <-ctx.Done():
			_ = c.Terminate(context.Background())
			return "", fmt.Errorf("プライマリへの昇格を待機中にタイムアウトしました: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func startRedis() (addr string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Redisコンテナの起動でpanicしました: %v", r)
		}
	}()

	c, err := testcontainers.Run(
		ctx, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	if err != nil {
		return "", fmt.Errorf("Redisコンテナの起動に失敗しました: %w", err)
	}
	return c.Endpoint(ctx, "")
}
