package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func NewSQLiteDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	pragmas := "?_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL&_timeout=10000&_busy_timeout=10000"
	db, err := sql.Open("sqlite3", path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func RunMigrations(db *sql.DB) error {
	migrations := []string{
		`PRAGMA foreign_keys = ON`,

		`CREATE TABLE IF NOT EXISTS certificate_authorities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE CHECK(length(name) > 0),
			serial TEXT NOT NULL UNIQUE CHECK(length(serial) > 0),
			subject TEXT NOT NULL CHECK(length(subject) > 0),
			certificate_pem TEXT NOT NULL CHECK(length(certificate_pem) > 0),
			key_backend TEXT NOT NULL DEFAULT 'software' CHECK (key_backend IN ('software', 'pkcs11')),
			key_reference TEXT NOT NULL CHECK(length(key_reference) > 0),
			not_before DATETIME NOT NULL,
			not_after DATETIME NOT NULL,
			enabled BOOLEAN DEFAULT TRUE NOT NULL,
			revoked BOOLEAN DEFAULT FALSE NOT NULL,
			revoked_at DATETIME,
			issuer_url TEXT NOT NULL DEFAULT '',
			ocsp_url TEXT NOT NULL DEFAULT '',
			crl_url TEXT NOT NULL DEFAULT '',
			issuer_alt_name TEXT NOT NULL DEFAULT '',
			acme_enabled BOOLEAN DEFAULT FALSE NOT NULL,
			acme_require_contact BOOLEAN DEFAULT FALSE NOT NULL,
			acme_profile TEXT NOT NULL DEFAULT '',
			ocsp_responder_key_validity_days INTEGER NOT NULL DEFAULT 3,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP NOT NULL,
			CHECK(not_after > not_before)
		)`,

		`CREATE TABLE IF NOT EXISTS certificates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ca_id INTEGER NOT NULL,
			serial TEXT NOT NULL UNIQUE CHECK(length(serial) > 0),
			common_name TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL CHECK(length(subject) > 0),
			certificate_pem TEXT NOT NULL CHECK(length(certificate_pem) > 0),
			profile TEXT NOT NULL DEFAULT '',
			not_before DATETIME NOT NULL,
			not_after DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'revoked', 'expired')),
			revoked_at DATETIME,
			revocation_reason TEXT NOT NULL DEFAULT '',
			autogenerated BOOLEAN DEFAULT FALSE NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP NOT NULL,
			FOREIGN KEY (ca_id) REFERENCES certificate_authorities(id),
			CHECK(not_after > not_before),
			CHECK(revoked_at IS NULL OR status = 'revoked')
		)`,

		`CREATE TABLE IF NOT EXISTS acme_accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ca_id INTEGER NOT NULL,
			slug TEXT NOT NULL UNIQUE CHECK(length(slug) > 0),
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'valid', 'deactivated')),
			contact TEXT NOT NULL DEFAULT '',
			thumbprint TEXT NOT NULL DEFAULT '',
			terms_agreed BOOLEAN DEFAULT FALSE NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP NOT NULL,
			FOREIGN KEY (ca_id) REFERENCES certificate_authorities(id)
		)`,

		`CREATE TABLE IF NOT EXISTS acme_orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			slug TEXT NOT NULL UNIQUE CHECK(length(slug) > 0),
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'ready', 'processing', 'valid', 'invalid')),
			expires DATETIME NOT NULL,
			not_before DATETIME,
			not_after DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP NOT NULL,
			FOREIGN KEY (account_id) REFERENCES acme_accounts(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS acme_authorizations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL,
			slug TEXT NOT NULL UNIQUE CHECK(length(slug) > 0),
			type TEXT NOT NULL DEFAULT 'dns' CHECK (type IN ('dns')),
			value TEXT NOT NULL CHECK(length(value) > 0),
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'valid', 'invalid', 'deactivated', 'expired')),
			wildcard BOOLEAN DEFAULT FALSE NOT NULL,
			FOREIGN KEY (order_id) REFERENCES acme_orders(id) ON DELETE CASCADE,
			UNIQUE(order_id, type, value)
		)`,

		`CREATE TABLE IF NOT EXISTS acme_challenges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			authorization_id INTEGER NOT NULL,
			slug TEXT NOT NULL UNIQUE CHECK(length(slug) > 0),
			type TEXT NOT NULL CHECK (type IN ('http-01', 'dns-01')),
			token TEXT NOT NULL CHECK(length(token) > 0),
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'valid', 'invalid')),
			validated DATETIME,
			error TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (authorization_id) REFERENCES acme_authorizations(id) ON DELETE CASCADE,
			UNIQUE(authorization_id, type)
		)`,

		`CREATE TABLE IF NOT EXISTS acme_certificates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL UNIQUE,
			slug TEXT NOT NULL UNIQUE CHECK(length(slug) > 0),
			csr_pem TEXT NOT NULL DEFAULT '',
			certificate_id INTEGER,
			FOREIGN KEY (order_id) REFERENCES acme_orders(id) ON DELETE CASCADE,
			FOREIGN KEY (certificate_id) REFERENCES certificates(id)
		)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL CHECK(length(user_id) > 0),
			action TEXT NOT NULL CHECK(length(action) > 0),
			resource TEXT NOT NULL CHECK(length(resource) > 0),
			resource_id TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_cas_name ON certificate_authorities(name)`,
		`CREATE INDEX IF NOT EXISTS idx_cas_enabled ON certificate_authorities(enabled)`,

		`CREATE INDEX IF NOT EXISTS idx_certificates_ca_id ON certificates(ca_id)`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_serial ON certificates(serial)`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_status ON certificates(status)`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_not_after ON certificates(not_after)`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_expiry_status ON certificates(not_after, status)`,

		`CREATE INDEX IF NOT EXISTS idx_acme_accounts_slug ON acme_accounts(slug)`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_account_id ON acme_orders(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_expires ON acme_orders(expires)`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_status ON acme_orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_order_id ON acme_authorizations(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_acme_challenges_authorization_id ON acme_challenges(authorization_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	if err := validateSchema(db); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

func validateSchema(db *sql.DB) error {
	requiredTables := []string{
		"certificate_authorities", "certificates", "acme_accounts",
		"acme_orders", "acme_authorizations", "acme_challenges",
		"acme_certificates", "audit_logs",
	}

	for _, table := range requiredTables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := db.QueryRow(query, table).Scan(&count); err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("required table %s not found", table)
		}
	}

	var foreignKeysEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeysEnabled); err != nil {
		return fmt.Errorf("failed to check foreign keys: %w", err)
	}
	if foreignKeysEnabled == 0 {
		return fmt.Errorf("foreign keys not enabled")
	}

	return nil
}

// WithTx runs fn inside a transaction, rolling back on error.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
