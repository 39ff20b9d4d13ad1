package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"lab-sessions/internal/domain"

	"github.com/google/uuid"
)

const templateColumns = `id, challenge_id, title, default_ttl_minutes, max_extensions, manifest,
	active, created_at, updated_at`

func scanTemplate(row rowScanner) (*domain.Template, error) {
	var (
		t         domain.Template
		manifest  string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&t.ID,
		&t.ChallengeID,
		&t.Title,
		&t.DefaultTTLMinutes,
		&t.MaxExtensions,
		&manifest,
		&t.Active,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(manifest), &t.Manifest); err != nil {
		return nil, err
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

func (r *sqlRepository) queryTemplate(ctx context.Context, query string, args ...any) (*domain.Template, error) {
	t, err := scanTemplate(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (r *sqlRepository) GetActiveTemplateByChallenge(ctx context.Context, challengeID string) (*domain.Template, error) {
	return r.queryTemplate(ctx, `SELECT `+templateColumns+` FROM lab_templates
		WHERE challenge_id = ? AND active = 1`, challengeID)
}

func (r *sqlRepository) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	return r.queryTemplate(ctx, `SELECT `+templateColumns+` FROM lab_templates WHERE id = ?`, id)
}

// UpsertTemplate inserts or updates the template for t.ChallengeID, using at
// as created_at for new rows and updated_at for both. On return t carries the
// stored row, including the id of an existing row.
func (r *sqlRepository) UpsertTemplate(ctx context.Context, t *domain.Template, at time.Time) error {
	if at.IsZero() {
		return errMissingTimestamp
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	manifest, err := json.Marshal(t.Manifest)
	if err != nil {
		return err
	}
	now := toMillis(at)
	query := `INSERT INTO lab_templates (` + templateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (challenge_id) DO UPDATE SET
			title = excluded.title,
			default_ttl_minutes = excluded.default_ttl_minutes,
			max_extensions = excluded.max_extensions,
			manifest = excluded.manifest,
			active = excluded.active,
			updated_at = excluded.updated_at`

	if _, err := r.db.ExecContext(ctx, query,
		t.ID,
		t.ChallengeID,
		t.Title,
		t.DefaultTTLMinutes,
		t.MaxExtensions,
		string(manifest),
		t.Active,
		now,
		now,
	); err != nil {
		return err
	}

	stored, err := r.queryTemplate(ctx, `SELECT `+templateColumns+` FROM lab_templates WHERE challenge_id = ?`, t.ChallengeID)
	if err != nil {
		return err
	}
	*t = *stored
	return nil
}

// UpsertTask inserts the task unless one with the same slug already exists
// on the template.
func (r *sqlRepository) UpsertTask(ctx context.Context, task *domain.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	query := `INSERT INTO lab_tasks
		(id, template_id, slug, title, has_machine, question_type, requires_flag, points, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (template_id, slug) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		task.ID,
		task.TemplateID,
		task.Slug,
		task.Title,
		task.HasMachine,
		task.QuestionType,
		task.RequiresFlag,
		task.Points,
		task.Position,
	)
	return err
}

func (r *sqlRepository) ListTasks(ctx context.Context, templateID string) ([]domain.Task, error) {
	query := `SELECT id, template_id, slug, title, has_machine, question_type, requires_flag, points, position
		FROM lab_tasks WHERE template_id = ? ORDER BY position, slug`

	rows, err := r.db.QueryContext(ctx, query, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var task domain.Task
		if err := rows.Scan(
			&task.ID,
			&task.TemplateID,
			&task.Slug,
			&task.Title,
			&task.HasMachine,
			&task.QuestionType,
			&task.RequiresFlag,
			&task.Points,
			&task.Position,
		); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// GetChallenge reads the curriculum record. Returns nil for unknown ids.
func (r *sqlRepository) GetChallenge(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	query := `SELECT id, title, description, target_service_name, points FROM challenges WHERE id = ?`

	var c domain.Challenge
	err := r.db.QueryRowContext(ctx, query, challengeID).Scan(
		&c.ID,
		&c.Title,
		&c.Description,
		&c.TargetServiceName,
		&c.Points,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// PutChallenge mirrors a curriculum record into the local store.
func (r *sqlRepository) PutChallenge(ctx context.Context, c domain.Challenge) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO challenges (id, title, description, target_service_name, points)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, description = excluded.description,
			target_service_name = excluded.target_service_name, points = excluded.points`,
		c.ID, c.Title, c.Description, c.TargetServiceName, c.Points)
	return err
}
