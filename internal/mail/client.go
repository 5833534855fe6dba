// Package mail は応募者へのメール送信を提供する。
// 外部メールAPIへのHTTPクライアント、開発用のログ出力送信、
// 確認コードと完了通知のテンプレートを含む。
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Message は送信するメール1通分の内容。
type Message struct {
	To      string
	ToName  string
	Subject string
	Text    string
	HTML    string
}

// Sender はメール送信のインターフェース。テスト時にモックに差し替え可能。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SendError はメールAPIがエラーステータスを返したことを表す。
type SendError struct {
	StatusCode int
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *SendError) Error() string {
	return fmt.Sprintf("メールAPIがステータス %d を返しました", e.StatusCode)
}

// maxErrorBody はエラー時に保持するレスポンスボディの最大長。
const maxErrorBody = 512

// DefaultTimeout はメールAPI呼び出しのタイムアウト。
const DefaultTimeout = 10 * time.Second

// ClientConfig はHTTPクライアントの設定。
type ClientConfig struct {
	Endpoint string
	APIKey   string
	From     string
	// MaxRetries は一時的な失敗（接続エラー・408・429・5xx）の再送回数。0は再送しない。
	MaxRetries int
	// RetryBackoff は再送の初回待ち時間。0はDefaultRetryBackoff。
	RetryBackoff time.Duration
}

// Client は外部メールAPI（JSON POST + Bearer認証）のクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	config     ClientConfig
}

// NewClient はClientの新しいインスタンスを生成する。
// 本番ではSSRF防止付きのHTTPクライアントを渡すこと。
func NewClient(httpClient *http.Client, logger *slog.Logger, config ClientConfig) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		config:     config,
	}
}

type sendRequest struct {
	From    string        `json:"from"`
	To      []sendAddress `json:"to"`
	Subject string        `json:"subject"`
	Text    string        `json:"text,omitempty"`
	HTML    string        `json:"html,omitempty"`
}

type sendAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Send はメールAPIにメッセージを送信する。2xx以外はSendErrorを返す。
// 一時的な失敗はMaxRetries回まで指数バックオフで再送する。
func (c *Client) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(sendRequest{
		From:    c.config.From,
		To:      []sendAddress{{Email: msg.To, Name: msg.ToName}},
		Subject: msg.Subject,
		Text:    msg.Text,
		HTML:    msg.HTML,
	})
	if err != nil {
		return fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
	}

	for retry := 0; ; retry++ {
		err = c.post(ctx, body)
		if err == nil || retry >= c.config.MaxRetries || !isRetryable(ctx, err) {
			return err
		}
		delay := CalculateBackoff(c.config.RetryBackoff, retry)
		c.logger.Warn("メール送信を再試行します",
			slog.Int("retry", retry+1),
			slog.Duration("backoff", delay),
		)
		if werr := waitBackoff(ctx, delay); werr != nil {
			return err
		}
	}
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("User-Agent", "driverhire/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("メールAPIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("メールAPIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if ClassifyHTTPStatus(resp.StatusCode) != DeliveryOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("メールAPIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return &SendError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogSender はメールを送信せずログに出力する。開発環境用。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send はメッセージの宛先と件名、本文をログに出力する。
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("メール送信（ログ出力のみ）",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("text", msg.Text),
	)
	return nil
}

// compile-time interface check
var (
	_ Sender = (*Client)(nil)
	_ Sender = (*LogSender)(nil)
)
