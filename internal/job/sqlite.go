package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store for single-node
// deployments without Redis.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
	log  zerolog.Logger
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string, opts Options, log zerolog.Logger) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		opts: opts.withDefaults(),
		log:  log.With().Str("component", "sqlite-store").Logger(),
	}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS job_records (
			user_id                 TEXT NOT NULL,
			id                      TEXT NOT NULL,
			started_at              INTEGER NOT NULL,
			source_url              TEXT NOT NULL,
			destination_folder_id   TEXT NOT NULL DEFAULT '',
			destination_folder_name TEXT NOT NULL DEFAULT '',
			status                  TEXT NOT NULL DEFAULT 'pending',
			message                 TEXT NOT NULL DEFAULT '',
			expires_at              INTEGER NOT NULL,
			worker                  TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_job_records_expires_at ON job_records(expires_at);
		CREATE INDEX IF NOT EXISTS idx_job_records_status     ON job_records(status);
	`)
	if err != nil {
		return err
	}

	// Add worker column to databases created before it existed.
	if _, err := s.db.Exec(`ALTER TABLE job_records ADD COLUMN worker TEXT NOT NULL DEFAULT ''`); err == nil {
		s.log.Info().Msg("added worker column to job_records")
	}
	return nil
}

func (s *SQLiteStore) now() int64 {
	return s.opts.Now().Unix()
}

const selectColumns = `
	SELECT started_at, id, user_id, source_url, destination_folder_id,
	       destination_folder_name, status, message, worker
	FROM job_records`

func (s *SQLiteStore) Create(ctx context.Context, r *Record) error {
	expiresAt := r.ExpiresAt(s.opts.Retention).Unix()
	if expiresAt <= s.now() {
		return fmt.Errorf("create job %s: started_at is outside the retention window", r.ID)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_records
			(user_id, id, started_at, source_url, destination_folder_id,
			 destination_folder_name, status, message, expires_at, worker)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, id) DO NOTHING
	`,
		r.UserID,
		r.ID,
		r.StartedAt,
		r.SourceURL,
		r.FolderID,
		r.FolderName,
		r.Status.Normalize(),
		r.Message,
		expiresAt,
		r.Worker,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create job %s: %w", r.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("create job %s: %w", r.ID, ErrDuplicateKey)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE user_id = ? AND id = ? AND expires_at > ?
	`, userID, id, s.now())

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return r, nil
}

// Update runs read-check-write in one transaction; expires_at is never touched.
func (s *SQLiteStore) Update(ctx context.Context, r *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update job %s: begin: %w", r.ID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, selectColumns+`
		WHERE user_id = ? AND id = ? AND expires_at > ?
	`, r.UserID, r.ID, s.now())
	cur, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update job %s: %w", r.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update job %s: %w", r.ID, err)
	}

	changed, err := cur.Transition(r)
	if err != nil {
		return fmt.Errorf("update job %s: %w", r.ID, err)
	}
	if !changed {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE job_records SET status = ?, message = ?
		WHERE user_id = ? AND id = ?
	`, cur.Status, cur.Message, r.UserID, r.ID); err != nil {
		return fmt.Errorf("update job %s: %w", r.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update job %s: commit: %w", r.ID, err)
	}
	return nil
}

// ListForUser returns the user's live records ordered by started_at ASC.
func (s *SQLiteStore) ListForUser(ctx context.Context, userID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE user_id = ? AND expires_at > ?
		ORDER BY started_at ASC, id ASC
	`, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", userID, err)
	}
	return collect(rows)
}

func (s *SQLiteStore) ListPending(ctx context.Context, worker string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE status = ? AND worker = ? AND expires_at > ?
		ORDER BY started_at ASC
	`, StatusPending, worker, s.now())
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	return collect(rows)
}

func (s *SQLiteStore) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_records WHERE expires_at <= ?`, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep expired jobs: %w", err)
	}
	s.log.Debug().Int64("deleted", n).Msg("expired job records swept")
	return n, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	r := &Record{}
	if err := row.Scan(
		&r.StartedAt, &r.ID, &r.UserID, &r.SourceURL, &r.FolderID,
		&r.FolderName, &r.Status, &r.Message, &r.Worker,
	); err != nil {
		return nil, err
	}
	r.Status = r.Status.Normalize()
	return r, nil
}

func collect(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return records, nil
}
