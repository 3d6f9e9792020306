package jobs

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/yourusername/doc-forge/internal/pdf"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore はジョブ記録を SQLite に保存します。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite は path のデータベースを開き、未適用のマイグレーションを実行します。
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, migrationFS); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

type migration struct {
	Version string
	SQL     string
}

func runMigrations(db *sql.DB, fsys fs.FS) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	var migrations []migration
	err = fs.WalkDir(fsys, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", path, err)
		}
		migrations = append(migrations, migration{
			Version: strings.TrimSuffix(filepath.Base(path), ".sql"),
			SQL:     string(content),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk migrations directory: %w", err)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}
	}
	return nil
}

// Close はデータベースを閉じます。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create はジョブ記録とキュー行を1トランザクションで作成します。
func (s *SQLiteStore) Create(ctx context.Context, job *Job, position int64) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, filename, file_size, source_path, options, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Filename, job.FileSize, job.SourcePath, string(opts), string(job.Status), job.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO queue (job_id, position) VALUES (?, ?)`, job.ID, position); err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}
	return tx.Commit()
}

// MarkProcessing は processing への遷移を記録します。
func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	return s.exec(ctx, id, `
		UPDATE jobs SET status = ?, started_at = ?, current_chunk = 0, total_chunks = 0, percent = 0, message = ''
		WHERE id = ? AND status = ?`,
		string(StatusProcessing), startedAt.UTC(), id, string(StatusQueued))
}

// UpdateProgress は processing 中のジョブの進捗を保存します。
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, p ProgressInfo) error {
	return s.exec(ctx, id, `
		UPDATE jobs SET current_chunk = ?, total_chunks = ?, percent = ?, message = ?
		WHERE id = ? AND status = ?`,
		p.CurrentChunk, p.TotalChunks, p.Percent, p.Message, id, string(StatusProcessing))
}

// Finalize は終了状態を保存します。
func (s *SQLiteStore) Finalize(ctx context.Context, id string, fin Finalization) error {
	var code, msg sql.NullString
	if fin.Error != nil {
		code = sql.NullString{String: fin.Error.Code, Valid: true}
		msg = sql.NullString{String: fin.Error.Message, Valid: true}
	}
	percent := 0
	if fin.Status == StatusComplete {
		percent = 100
	}
	return s.exec(ctx, id, `
		UPDATE jobs SET status = ?, has_markdown = ?, has_json = ?, has_images = ?,
			error_code = ?, error_message = ?, completed_at = ?,
			total_chunks = CASE WHEN ? > 0 THEN ? ELSE total_chunks END,
			percent = CASE WHEN ? = 100 THEN 100 ELSE percent END
		WHERE id = ?`,
		string(fin.Status), fin.Outputs.Markdown, fin.Outputs.JSON, fin.Outputs.Images,
		code, msg, fin.CompletedAt.UTC(),
		fin.TotalChunks, fin.TotalChunks,
		percent,
		id)
}

func (s *SQLiteStore) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return nil
}

const jobColumns = `id, filename, file_size, source_path, options, status, current_chunk, total_chunks,
	percent, message, has_markdown, has_json, has_images, error_code, error_message,
	created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j         Job
		opts      string
		status    string
		code, msg sql.NullString
		started   sql.NullTime
		completed sql.NullTime
	)
	if err := row.Scan(
		&j.ID, &j.Filename, &j.FileSize, &j.SourcePath, &opts, &status,
		&j.Progress.CurrentChunk, &j.Progress.TotalChunks, &j.Progress.Percent, &j.Progress.Message,
		&j.Outputs.Markdown, &j.Outputs.JSON, &j.Outputs.Images,
		&code, &msg, &j.CreatedAt, &started, &completed,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
		return nil, fmt.Errorf("failed to decode options of job %s: %w", j.ID, err)
	}
	j.Status = Status(status)
	if code.Valid {
		j.Error = &ErrorInfo{Code: code.String, Message: msg.String}
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

// Get はジョブ記録を取得します。存在しない場合は ErrRecordNotFound を返します。
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return job, err
}

// ListRecent は新しい順にジョブ記録を返します。
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

// ListByStatus は status のジョブ記録を作成順に返します。
func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC`, string(status))
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ListQueued はキュー行を position 順に返します。
func (s *SQLiteStore) ListQueued(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, position FROM queue ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.JobID, &e.Position); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RemoveQueued はキュー行を削除します。存在しない場合も成功します。
func (s *SQLiteStore) RemoveQueued(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE job_id = ?`, id)
	return err
}

var settingKeys = []string{"output_markdown", "output_json", "output_images", "force_ocr", "paginate_output"}

func optionFields(o *pdf.Options) map[string]*bool {
	return map[string]*bool{
		"output_markdown": &o.OutputMarkdown,
		"output_json":     &o.OutputJSON,
		"output_images":   &o.OutputImages,
		"force_ocr":       &o.ForceOCR,
		"paginate_output": &o.PaginateOutput,
	}
}

// LoadSettings は保存済みの既定オプションを返します。未保存の項目は既定値です。
func (s *SQLiteStore) LoadSettings(ctx context.Context) (pdf.Options, error) {
	opts := pdf.DefaultOptions()
	fields := optionFields(&opts)

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return opts, err
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return opts, err
		}
		if ptr, ok := fields[key]; ok {
			if v, err := strconv.ParseBool(value); err == nil {
				*ptr = v
			}
		}
	}
	return opts, rows.Err()
}

// SaveSettings は既定オプションを保存します。
func (s *SQLiteStore) SaveSettings(ctx context.Context, opts pdf.Options) error {
	fields := optionFields(&opts)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, key := range settingKeys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, strconv.FormatBool(*fields[key]),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TrackRemote は取り込み元ファイルの状態を保存します。
func (s *SQLiteStore) TrackRemote(ctx context.Context, f RemoteFile) error {
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_files (remote_id, name, job_id, status, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET name = excluded.name, job_id = excluded.job_id,
			status = excluded.status, updated_at = excluded.updated_at`,
		f.RemoteID, f.Name, f.JobID, f.Status, f.UpdatedAt.UTC())
	return err
}

// RemoteSeen は remoteID が記録済みかを返します。
func (s *SQLiteStore) RemoteSeen(ctx context.Context, remoteID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM remote_files WHERE remote_id = ?`, remoteID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemoteByJob は jobID に対応する取り込み元を返します。
func (s *SQLiteStore) RemoteByJob(ctx context.Context, jobID string) (*RemoteFile, error) {
	var f RemoteFile
	err := s.db.QueryRowContext(ctx,
		`SELECT remote_id, name, job_id, status, updated_at FROM remote_files WHERE job_id = ?`, jobID,
	).Scan(&f.RemoteID, &f.Name, &f.JobID, &f.Status, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}
