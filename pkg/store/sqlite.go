package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"modernvpn/pkg/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tunnel_assignments(
	id          TEXT PRIMARY KEY,
	user_id     INTEGER NOT NULL,
	server_id   TEXT NOT NULL,
	private_key TEXT NOT NULL,
	public_key  TEXT NOT NULL,
	address     TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	UNIQUE(user_id, server_id),
	UNIQUE(server_id, address)
);
CREATE INDEX IF NOT EXISTS idx_tunnel_assignments_server ON tunnel_assignments(server_id);`

const assignmentColumns = `id, user_id, server_id, private_key, public_key, address, created_at`

// SQLiteStore persists assignments in an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAssignment(r rowScanner) (model.Assignment, error) {
	var (
		a       model.Assignment
		userID  int64
		created int64
	)
	if err := r.Scan(&a.ID, &userID, &a.ServerID, &a.PrivateKey, &a.PublicKey, &a.Address, &created); err != nil {
		return model.Assignment{}, err
	}
	a.UserID = uint64(userID)
	a.CreatedAt = time.Unix(0, created).UTC()
	return a, nil
}

func (s *SQLiteStore) queryOne(ctx context.Context, where string, args ...interface{}) (model.Assignment, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM tunnel_assignments WHERE `+where, args...)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, false, nil
	}
	if err != nil {
		return model.Assignment{}, false, err
	}
	return a, true, nil
}

func (s *SQLiteStore) queryMany(ctx context.Context, where string, args ...interface{}) ([]model.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM tunnel_assignments WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Find(ctx context.Context, userID uint64, serverID string) (model.Assignment, bool, error) {
	return s.queryOne(ctx, `user_id=? AND server_id=?`, int64(userID), serverID)
}

func (s *SQLiteStore) FindByAddress(ctx context.Context, serverID, address string) (model.Assignment, bool, error) {
	return s.queryOne(ctx, `server_id=? AND address=?`, serverID, address)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Assignment, bool, error) {
	return s.queryOne(ctx, `id=?`, id)
}

func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, a model.Assignment) (model.Assignment, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tunnel_assignments(`+assignmentColumns+`) VALUES(?,?,?,?,?,?,?)`,
		a.ID, int64(a.UserID), a.ServerID, a.PrivateKey, a.PublicKey, a.Address, a.CreatedAt.UnixNano())
	if err != nil {
		return model.Assignment{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Assignment{}, false, err
	}
	if n == 1 {
		return a, true, nil
	}
	return ResolveConflict(ctx, s, a)
}

// ResolveConflict explains an ignored insert: either the (user, server) record
// already exists and wins, or the address belongs to someone else.
func ResolveConflict(ctx context.Context, st AssignmentStore, a model.Assignment) (model.Assignment, bool, error) {
	existing, ok, err := st.Find(ctx, a.UserID, a.ServerID)
	if err != nil {
		return model.Assignment{}, false, err
	}
	if ok {
		return existing, false, nil
	}
	if _, taken, err := st.FindByAddress(ctx, a.ServerID, a.Address); err != nil {
		return model.Assignment{}, false, err
	} else if taken {
		return model.Assignment{}, false, ErrAddressConflict
	}
	return model.Assignment{}, false, fmt.Errorf("insert of assignment %s ignored without a visible conflict", a.ID)
}

func (s *SQLiteStore) ListForUser(ctx context.Context, userID uint64) ([]model.Assignment, error) {
	return s.queryMany(ctx, `user_id=?`, int64(userID))
}

func (s *SQLiteStore) ListForServer(ctx context.Context, serverID string) ([]model.Assignment, error) {
	return s.queryMany(ctx, `server_id=?`, serverID)
}

func (s *SQLiteStore) Delete(ctx context.Context, userID uint64, serverID string, requesterID uint64) error {
	if _, ok, err := s.Find(ctx, userID, serverID); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	if requesterID != userID {
		return ErrForbidden
	}
	return s.Revoke(ctx, userID, serverID)
}

func (s *SQLiteStore) Revoke(ctx context.Context, userID uint64, serverID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tunnel_assignments WHERE user_id=? AND server_id=?`, int64(userID), serverID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
