package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var embedded embed.FS

// QuietMode suppresses goose's per-migration output for clean CLI startup.
var QuietMode = false

// Run applies all pending migrations against the given database.
func Run(db *sql.DB) error {
	goose.SetBaseFS(embedded)
	if QuietMode {
		goose.SetLogger(goose.NopLogger())
	}
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}
