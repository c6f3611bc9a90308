package threadrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	documentTableName      = "threadrelay_documents"
	sqlDocumentOpTimeout   = 5 * time.Second
	postgresDocumentDriver = "postgres"
	sqliteDocumentDriver   = "sqlite"
	sqliteDocumentPragmas  = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver    string
	createSQL string
	selectSQL string
	upsertSQL string
}

func postgresDialect(table string) sqlDialect {
	quoted := postgresQuoteIdentifier(table)
	return sqlDialect{
		driver: postgresDocumentDriver,
		createSQL: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				doc_key TEXT PRIMARY KEY,
				body TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoted),
		selectSQL: fmt.Sprintf("SELECT body FROM %s WHERE doc_key = $1", quoted),
		upsertSQL: fmt.Sprintf(`
			INSERT INTO %s (doc_key, body, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (doc_key)
			DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`, quoted),
	}
}

func sqliteDialect(table string) sqlDialect {
	quoted := postgresQuoteIdentifier(table)
	return sqlDialect{
		driver: sqliteDocumentDriver,
		createSQL: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				doc_key TEXT PRIMARY KEY,
				body TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, quoted),
		selectSQL: fmt.Sprintf("SELECT body FROM %s WHERE doc_key = ?", quoted),
		upsertSQL: fmt.Sprintf(`
			INSERT INTO %s (doc_key, body, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (doc_key)
			DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP`, quoted),
	}
}

// SQLDocumentBackend keeps each document as one row keyed by docKey. A
// single-row upsert is atomic in both postgres and sqlite.
type SQLDocumentBackend struct {
	dsn     string
	docKey  string
	dialect sqlDialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresDocumentBackend(dsn, docKey string) (*SQLDocumentBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLDocumentBackend{
		dsn:     dsn,
		docKey:  docKey,
		dialect: postgresDialect(documentTableName),
		openDB:  sql.Open,
	}, nil
}

func NewSQLiteDocumentBackend(path, docKey string) (*SQLDocumentBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&" + sqliteDocumentPragmas
	} else {
		dsn += "?" + sqliteDocumentPragmas
	}
	return &SQLDocumentBackend{
		dsn:     dsn,
		docKey:  docKey,
		dialect: sqliteDialect(documentTableName),
		openDB:  sql.Open,
	}, nil
}

func (b *SQLDocumentBackend) Load() ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlDocumentOpTimeout)
	defer cancel()

	var body string
	err := b.db.QueryRowContext(ctx, b.dialect.selectSQL, b.docKey).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func (b *SQLDocumentBackend) Save(data []byte) error {
	if b == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlDocumentOpTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx, b.dialect.upsertSQL, b.docKey, string(data))
	return err
}

func (b *SQLDocumentBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLDocumentBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlDocumentOpTimeout)
		defer cancel()

		if _, err := db.ExecContext(ctx, b.dialect.createSQL); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
