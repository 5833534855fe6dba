package app

import (
	"flag"
	"fmt"
	"io"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は完了通知と期限切れ削除を定期実行するワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandDispatch は完了通知のスイープを1回実行することを示す。
	CommandDispatch Command = "dispatch"
	// CommandReap は期限切れ申請の削除を1バッチ実行することを示す。
	CommandReap Command = "reap"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandWorker, CommandServe, CommandMigrate, CommandDispatch, CommandReap, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandServe
	}
}

// SweepOptions は単発スイープのオプション。
type SweepOptions struct {
	// Limit は処理件数。0は各スイープのデフォルト件数を使う。
	Limit int
}

// ParseSweepOptions はdispatch/reapサブコマンドの引数（サブコマンド名を除く）を解析する。
func ParseSweepOptions(cmd Command, args []string, stderr io.Writer) (SweepOptions, error) {
	fs := flag.NewFlagSet(string(cmd), flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts SweepOptions
	fs.IntVar(&opts.Limit, "limit", 0, "処理件数（0はデフォルト）")
	if err := fs.Parse(args); err != nil {
		return SweepOptions{}, err
	}
	if opts.Limit < 0 {
		return SweepOptions{}, fmt.Errorf("--limit must not be negative: %d", opts.Limit)
	}
	return opts, nil
}
