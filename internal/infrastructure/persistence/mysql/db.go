package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stk-relay/internal/infrastructure/config"

	_ "github.com/go-sql-driver/mysql"
)

// schema トランザクションテーブル定義
const schema = `
CREATE TABLE IF NOT EXISTS stk_transactions (
	reference           VARCHAR(128) NOT NULL,
	external_reference  VARCHAR(64)  NULL,
	merchant_request_id VARCHAR(128) NULL,
	phone               VARCHAR(20)  NOT NULL DEFAULT '',
	amount              BIGINT       NOT NULL DEFAULT 0,
	status              VARCHAR(16)  NOT NULL,
	created_at          DATETIME(6)  NOT NULL,
	updated_at          DATETIME(6)  NOT NULL,
	PRIMARY KEY (reference),
	UNIQUE KEY uk_external_reference (external_reference),
	KEY idx_merchant_request_id (merchant_request_id),
	KEY idx_status_created (status, created_at),
	KEY idx_updated_at (updated_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// DB データベース接続を提供
type DB struct {
	*sql.DB
}

// NewDB 新しいデータベース接続を作成
func NewDB(cfg *config.DatabaseConfig) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 接続プールの設定
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// 接続テスト
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// EnsureSchema テーブルが存在しなければ作成
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create stk_transactions table: %w", err)
	}
	return nil
}

// Close データベース接続を閉じる
func (db *DB) Close() error {
	return db.DB.Close()
}

// HealthCheck データベースのヘルスチェックを実行
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return db.PingContext(ctx)
}
