package gateway

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。アカウントはローカル発行局のsubject（数値ID）に対応する。
// federated_subjectは外部IDプロバイダのUUIDとの紐付けに使う。
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL,
    federated_subject TEXT UNIQUE,
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    last_login_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_accounts_federated_subject
    ON accounts(federated_subject);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
