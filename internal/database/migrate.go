// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDirtySchema は前回のマイグレーションが途中で失敗し、手動での修復が必要なことを示す。
var ErrDirtySchema = errors.New("schema is marked dirty")

// MigrationStatus はマイグレーション実行後のスキーマの状態。
type MigrationStatus struct {
	// FromVersion は実行前のバージョン。未適用なら0。
	FromVersion uint
	// Version は実行後のバージョン。
	Version uint
	Dirty   bool
}

// Applied は今回の実行で新しいマイグレーションが適用されたかを返す。
func (s MigrationStatus) Applied() bool {
	return s.Version != s.FromVersion
}

// NewMigrator は埋め込みSQLを読むmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// Migrate は未適用のマイグレーションを全て適用し、前後のバージョンをログに残す。
// dirtyなスキーマには何も適用せずErrDirtySchemaを返す。
func Migrate(logger *slog.Logger, databaseURL string) (MigrationStatus, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return MigrationStatus{}, err
	}
	defer m.Close()

	from, dirty, err := schemaVersion(m)
	if err != nil {
		return MigrationStatus{}, err
	}
	status := MigrationStatus{FromVersion: from, Version: from, Dirty: dirty}
	if dirty {
		logger.Error("スキーマがdirty状態のためマイグレーションを中止しました",
			slog.Uint64("version", uint64(from)),
		)
		return status, fmt.Errorf("%w: version %d", ErrDirtySchema, from)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		// 失敗したバージョンはdirtyとして記録されている
		if v, d, verr := schemaVersion(m); verr == nil {
			status.Version, status.Dirty = v, d
		}
		logger.Error("マイグレーションに失敗しました",
			slog.Uint64("from_version", uint64(from)),
			slog.Uint64("version", uint64(status.Version)),
			slog.Bool("dirty", status.Dirty),
			slog.String("error", err.Error()),
		)
		return status, fmt.Errorf("failed to run migrations: %w", err)
	}

	if status.Version, status.Dirty, err = schemaVersion(m); err != nil {
		return status, err
	}
	logger.Info("マイグレーションを確認しました",
		slog.Uint64("from_version", uint64(status.FromVersion)),
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("applied", status.Applied()),
	)
	return status, nil
}

// RunMigrations はデフォルトロガーでMigrateを実行する。
func RunMigrations(databaseURL string) error {
	_, err := Migrate(slog.Default(), databaseURL)
	return err
}

func schemaVersion(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, dirty, nil
}
