package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lab-sessions/internal/domain"
	"lab-sessions/internal/service"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/001_init_schema.sql
var initSchema string

var errMissingTimestamp = errors.New("repository: timestamp is required")

type sqlRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (creating if needed) the database at dbPath and
// applies the schema.
func NewSQLiteRepository(dbPath string) (service.LabRepository, error) {
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, err
	}

	dsn := "file:" + dbPath + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if _, err = db.Exec(initSchema); err != nil {
		db.Close()
		return nil, err
	}

	log.WithPrefix("repository").Info("SQLite database connected and schema applied", "path", dbPath)
	return &sqlRepository{db: db}, nil
}

func (r *sqlRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *sqlRepository) Close() error {
	return r.db.Close()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "{}", nil
	}
	return string(b), nil
}

// classifyConstraint maps partial unique index violations on lab_sessions to
// the service's conflict errors.
func classifyConstraint(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.ExtendedCode != sqlite3.ErrConstraintUnique {
		return err
	}
	msg := se.Error()
	switch {
	case strings.Contains(msg, "lab_sessions.cidr_block"):
		return service.ErrBlockInUse
	case strings.Contains(msg, "lab_sessions.trainee_id"):
		return service.ErrActiveSessionExists
	case strings.Contains(msg, "lab_sessions.code"):
		return service.ErrCodeInUse
	}
	return err
}

// --- Sessions ---

const sessionColumns = `id, code, trainee_id, challenge_id, template_id, status, network_name,
	cidr_block, primary_address, console_path, console_host, console_port, extension_count,
	max_extensions, started_at, expires_at, terminated_at, metadata`

const activeClause = `status IN ('provisioning', 'running') AND terminated_at IS NULL`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s            domain.Session
		status       string
		startedAt    int64
		expiresAt    int64
		terminatedAt sql.NullInt64
		metadata     string
	)
	if err := row.Scan(
		&s.ID,
		&s.Code,
		&s.TraineeID,
		&s.ChallengeID,
		&s.TemplateID,
		&status,
		&s.NetworkName,
		&s.CIDRBlock,
		&s.PrimaryAddress,
		&s.ConsolePath,
		&s.ConsoleHost,
		&s.ConsolePort,
		&s.ExtensionCount,
		&s.MaxExtensions,
		&startedAt,
		&expiresAt,
		&terminatedAt,
		&metadata,
	); err != nil {
		return nil, err
	}
	s.Status = domain.SessionStatus(status)
	s.StartedAt = fromMillis(startedAt)
	s.ExpiresAt = fromMillis(expiresAt)
	if terminatedAt.Valid {
		t := fromMillis(terminatedAt.Int64)
		s.TerminatedAt = &t
	}
	if err := json.Unmarshal([]byte(metadata), &s.Metadata); err != nil {
		return nil, err
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	return &s, nil
}

func (r *sqlRepository) querySessions(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sqlRepository) querySession(ctx context.Context, query string, args ...any) (*domain.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (r *sqlRepository) CreateSession(ctx context.Context, s *domain.Session) error {
	metadata, err := encodeJSON(s.Metadata)
	if err != nil {
		return err
	}
	query := `INSERT INTO lab_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`

	_, err = r.db.ExecContext(ctx, query,
		s.ID,
		s.Code,
		s.TraineeID,
		s.ChallengeID,
		s.TemplateID,
		string(s.Status),
		s.NetworkName,
		s.CIDRBlock,
		s.PrimaryAddress,
		s.ConsolePath,
		s.ConsoleHost,
		s.ConsolePort,
		s.ExtensionCount,
		s.MaxExtensions,
		toMillis(s.StartedAt),
		toMillis(s.ExpiresAt),
		metadata,
	)
	return classifyConstraint(err)
}

// GetSession returns nil when no session has the given id.
func (r *sqlRepository) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	return r.querySession(ctx, `SELECT `+sessionColumns+` FROM lab_sessions WHERE id = ?`, id)
}

// GetSessionByCode prefers the active holder of a code over historical rows.
func (r *sqlRepository) GetSessionByCode(ctx context.Context, code string) (*domain.Session, error) {
	return r.querySession(ctx, `SELECT `+sessionColumns+` FROM lab_sessions WHERE code = ?
		ORDER BY terminated_at IS NULL DESC, started_at DESC LIMIT 1`, code)
}

func (r *sqlRepository) FindActiveSession(ctx context.Context, traineeID, challengeID string) (*domain.Session, error) {
	return r.querySession(ctx, `SELECT `+sessionColumns+` FROM lab_sessions
		WHERE trainee_id = ? AND challenge_id = ? AND `+activeClause+`
		ORDER BY started_at DESC LIMIT 1`, traineeID, challengeID)
}

func (r *sqlRepository) ListSessionsByTrainee(ctx context.Context, traineeID string) ([]*domain.Session, error) {
	return r.querySessions(ctx, `SELECT `+sessionColumns+` FROM lab_sessions
		WHERE trainee_id = ? ORDER BY started_at DESC`, traineeID)
}

func (r *sqlRepository) ListActiveSessions(ctx context.Context) ([]*domain.Session, error) {
	return r.querySessions(ctx, `SELECT `+sessionColumns+` FROM lab_sessions
		WHERE `+activeClause+` ORDER BY started_at`)
}

func (r *sqlRepository) ListExpiredSessions(ctx context.Context, now time.Time) ([]*domain.Session, error) {
	return r.querySessions(ctx, `SELECT `+sessionColumns+` FROM lab_sessions
		WHERE `+activeClause+` AND expires_at <= ? ORDER BY expires_at`, toMillis(now))
}

func (r *sqlRepository) ListStaleProvisioning(ctx context.Context, startedBefore time.Time) ([]*domain.Session, error) {
	return r.querySessions(ctx, `SELECT `+sessionColumns+` FROM lab_sessions
		WHERE status = 'provisioning' AND terminated_at IS NULL AND started_at < ?
		ORDER BY started_at`, toMillis(startedBefore))
}

func (r *sqlRepository) ListActiveBlocks(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT cidr_block FROM lab_sessions WHERE `+activeClause)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []string
	for rows.Next() {
		var block string
		if err := rows.Scan(&block); err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}

func (r *sqlRepository) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lab_sessions WHERE `+activeClause).Scan(&n)
	return n, err
}

// MarkRunning transitions a provisioning session to running with its
// resolved addresses. Returns ErrStaleTransition if the row moved on.
func (r *sqlRepository) MarkRunning(ctx context.Context, s *domain.Session) error {
	metadata, err := encodeJSON(s.Metadata)
	if err != nil {
		return err
	}
	query := `UPDATE lab_sessions
		SET status = 'running', primary_address = ?, console_path = ?, console_host = ?,
		    console_port = ?, metadata = ?
		WHERE id = ? AND status = 'provisioning' AND terminated_at IS NULL`

	res, err := r.db.ExecContext(ctx, query,
		s.PrimaryAddress, s.ConsolePath, s.ConsoleHost, s.ConsolePort, metadata, s.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *sqlRepository) ExtendSession(ctx context.Context, id string, by time.Duration) error {
	query := `UPDATE lab_sessions
		SET extension_count = extension_count + 1, expires_at = expires_at + ?
		WHERE id = ? AND status = 'running' AND terminated_at IS NULL
		  AND extension_count < max_extensions`

	res, err := r.db.ExecContext(ctx, query, by.Milliseconds(), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// TerminateSession moves the session to a terminal status only if it is
// still in one of the expected statuses. The boolean reports whether this
// call performed the transition.
func (r *sqlRepository) TerminateSession(
	ctx context.Context,
	id string,
	expected []domain.SessionStatus,
	to domain.SessionStatus,
	at time.Time,
	reason string,
) (bool, error) {
	if len(expected) == 0 {
		return false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(expected)), ", ")
	query := `UPDATE lab_sessions
		SET status = ?, terminated_at = ?, metadata = json_set(metadata, '$.termination_reason', ?)
		WHERE id = ? AND terminated_at IS NULL AND status IN (` + placeholders + `)`

	args := []any{string(to), toMillis(at), reason, id}
	for _, st := range expected {
		args = append(args, string(st))
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return service.ErrStaleTransition
	}
	return nil
}

// --- Instances ---

// ReplaceInstances swaps the full instance set of a session in one
// transaction. Instances without a creation time are stamped with at.
func (r *sqlRepository) ReplaceInstances(ctx context.Context, sessionID string, instances []domain.Instance, at time.Time) error {
	if at.IsZero() {
		return errMissingTimestamp
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM lab_instances WHERE session_id = ?`, sessionID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO lab_instances
		(id, session_id, kind, name, container_id, image, internal_address, access_host,
		 access_port, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range instances {
		inst := &instances[i]
		if inst.ID == "" {
			inst.ID = uuid.New().String()
		}
		inst.SessionID = sessionID
		if inst.CreatedAt.IsZero() {
			inst.CreatedAt = at
		}
		metadata, err := encodeJSON(inst.Metadata)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			inst.ID,
			sessionID,
			string(inst.Kind),
			inst.Name,
			inst.ContainerID,
			inst.Image,
			inst.InternalAddress,
			inst.AccessHost,
			inst.AccessPort,
			inst.Status,
			metadata,
			toMillis(inst.CreatedAt),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *sqlRepository) ListInstances(ctx context.Context, sessionID string) ([]domain.Instance, error) {
	query := `SELECT id, session_id, kind, name, container_id, image, internal_address,
		access_host, access_port, status, metadata, created_at
		FROM lab_instances WHERE session_id = ? ORDER BY kind, name`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []domain.Instance
	for rows.Next() {
		var (
			inst      domain.Instance
			kind      string
			metadata  string
			createdAt int64
		)
		if err := rows.Scan(
			&inst.ID,
			&inst.SessionID,
			&kind,
			&inst.Name,
			&inst.ContainerID,
			&inst.Image,
			&inst.InternalAddress,
			&inst.AccessHost,
			&inst.AccessPort,
			&inst.Status,
			&metadata,
			&createdAt,
		); err != nil {
			return nil, err
		}
		inst.Kind = domain.InstanceKind(kind)
		inst.CreatedAt = fromMillis(createdAt)
		if err := json.Unmarshal([]byte(metadata), &inst.Metadata); err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (r *sqlRepository) StopInstances(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE lab_instances SET status = ? WHERE session_id = ?`,
		domain.InstanceStatusStopped, sessionID)
	return err
}

// --- Events ---

func (r *sqlRepository) AppendEvent(ctx context.Context, e *domain.Event) error {
	if e.CreatedAt.IsZero() {
		return errMissingTimestamp
	}
	payload, err := encodeJSON(e.Payload)
	if err != nil {
		return err
	}
	var sessionID sql.NullString
	if e.SessionID != "" {
		sessionID = sql.NullString{String: e.SessionID, Valid: true}
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO lab_events (session_id, name, severity, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, e.Name, string(e.Severity), payload, toMillis(e.CreatedAt))
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (r *sqlRepository) ListEvents(ctx context.Context, sessionID string) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, name, severity, payload, created_at FROM lab_events
		 WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			e         domain.Event
			sid       sql.NullString
			severity  string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &sid, &e.Name, &severity, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.SessionID = sid.String
		e.Severity = domain.Severity(severity)
		e.CreatedAt = fromMillis(createdAt)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
