package session

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite stores sessions in a sqlite database, the schema is migrated on open.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func (s *SQLite) Load(dc int, media bool) (*Data, error) {
	var (
		d                            = Data{DC: dc, Media: media}
		keyID, sessionID, serverSalt int64
	)

	err := s.db.QueryRow(`SELECT auth_key, auth_key_id, session_id, server_salt, sequence, delta_time, signed
		FROM sessions WHERE dc = ? AND media = ?`, dc, media).
		Scan(&d.AuthKey, &keyID, &sessionID, &serverSalt, &d.Sequence, &d.DeltaTime, &d.Signed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	// sqlite integers are signed, ids are stored bit for bit
	d.AuthKeyID = uint64(keyID)
	d.SessionID = uint64(sessionID)
	d.ServerSalt = uint64(serverSalt)
	return &d, nil
}

func (s *SQLite) Save(d *Data) error {
	_, err := s.db.Exec(`INSERT INTO sessions
		(dc, media, auth_key, auth_key_id, session_id, server_salt, sequence, delta_time, signed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dc, media) DO UPDATE SET
			auth_key = excluded.auth_key,
			auth_key_id = excluded.auth_key_id,
			session_id = excluded.session_id,
			server_salt = excluded.server_salt,
			sequence = excluded.sequence,
			delta_time = excluded.delta_time,
			signed = excluded.signed,
			updated_at = excluded.updated_at`,
		d.DC, d.Media, d.AuthKey, int64(d.AuthKeyID), int64(d.SessionID), int64(d.ServerSalt),
		d.Sequence, d.DeltaTime, d.Signed, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(dc int, media bool) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE dc = ? AND media = ?`, dc, media); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
