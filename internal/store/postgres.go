package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/flowengine/internal/workflow"
	"github.com/pitabwire/flowengine/model"
)

// Schema creates the tables used by PgRepository. Instance graphs live in a
// single JSONB document; assignments are mirrored into their own table so the
// overdue sweep can use an index.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id                 TEXT PRIMARY KEY,
	type               TEXT NOT NULL,
	definition_version INT NOT NULL,
	status             TEXT NOT NULL,
	initiated_by_id    TEXT NOT NULL DEFAULT '',
	document           JSONB NOT NULL,
	version            INT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_instances_type_status_idx ON workflow_instances (type, status);
CREATE INDEX IF NOT EXISTS workflow_instances_initiated_by_idx ON workflow_instances (initiated_by_id);

CREATE TABLE IF NOT EXISTS workflow_assignments (
	id              TEXT PRIMARY KEY,
	instance_id     TEXT NOT NULL REFERENCES workflow_instances (id) ON DELETE CASCADE,
	instance_type   TEXT NOT NULL,
	instance_status TEXT NOT NULL,
	step_id         TEXT NOT NULL,
	task_id         TEXT NOT NULL,
	task_name       TEXT NOT NULL,
	task_status     TEXT NOT NULL,
	assignee_id     TEXT NOT NULL DEFAULT '',
	assignee_email  TEXT NOT NULL DEFAULT '',
	assignee_name   TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	due_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workflow_assignments_due_idx ON workflow_assignments (due_at)
	WHERE status IN ('pending', 'accepted');

CREATE TABLE IF NOT EXISTS workflow_outbox (
	seq           BIGSERIAL PRIMARY KEY,
	id            TEXT NOT NULL UNIQUE,
	type          TEXT NOT NULL,
	instance_id   TEXT NOT NULL,
	step_id       TEXT NOT NULL DEFAULT '',
	task_id       TEXT NOT NULL DEFAULT '',
	assignment_id TEXT NOT NULL DEFAULT '',
	data          JSONB,
	occurred_at   TIMESTAMPTZ NOT NULL,
	dispatched_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workflow_outbox_pending_idx ON workflow_outbox (seq) WHERE dispatched_at IS NULL;
`

// OpenPool parses dsn and connects a pgx pool.
func OpenPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// PgRepository is a PostgreSQL-backed Repository using pgx/v5.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository creates a new PostgreSQL repository.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// EnsureSchema applies Schema. It is idempotent.
func (s *PgRepository) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *PgRepository) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create implements Repository.
func (s *PgRepository) Create(ctx context.Context, inst *workflow.Instance, events []model.DomainEvent) error {
	inst.Version = 1
	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_instances (
				id, type, definition_version, status, initiated_by_id,
				document, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			inst.ID, inst.Type, inst.DefinitionVersion, inst.Status, inst.InitiatedByID,
			doc, inst.Version, inst.CreatedAt, inst.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert workflow instance: %w", err)
		}
		return writeSideTables(ctx, tx, inst, events)
	})
}

// Update implements Repository.
func (s *PgRepository) Update(ctx context.Context, inst *workflow.Instance, events []model.DomainEvent) error {
	expected := inst.Version
	inst.Version = expected + 1
	doc, err := json.Marshal(inst)
	if err != nil {
		inst.Version = expected
		return fmt.Errorf("marshal instance: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances SET
				status = $1, document = $2, version = $3, updated_at = $4
			WHERE id = $5 AND version = $6`,
			inst.Status, doc, inst.Version, inst.UpdatedAt,
			inst.ID, expected,
		)
		if err != nil {
			return fmt.Errorf("update workflow instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, expected),
			)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM workflow_assignments WHERE instance_id = $1`, inst.ID); err != nil {
			return fmt.Errorf("clear assignments: %w", err)
		}
		return writeSideTables(ctx, tx, inst, events)
	})
	if err != nil {
		inst.Version = expected
		return err
	}
	return nil
}

// writeSideTables queues the assignment mirror rows and outbox events in one
// batch.
func writeSideTables(ctx context.Context, tx pgx.Tx, inst *workflow.Instance, events []model.DomainEvent) error {
	batch := &pgx.Batch{}
	for _, r := range assignmentRows(inst) {
		batch.Queue(`
			INSERT INTO workflow_assignments (
				id, instance_id, instance_type, instance_status, step_id, task_id,
				task_name, task_status, assignee_id, assignee_email, assignee_name,
				status, due_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			r.AssignmentID, r.InstanceID, r.InstanceType, inst.Status, r.StepID, r.TaskID,
			r.TaskName, r.taskStatus, r.AssigneeID, r.AssigneeEmail, r.AssigneeName,
			r.Status, r.dueAt,
		)
	}
	for _, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		batch.Queue(`
			INSERT INTO workflow_outbox (
				id, type, instance_id, step_id, task_id, assignment_id, data, occurred_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.Type, e.InstanceID, e.StepID, e.TaskID, e.AssignmentID, data, e.OccurredAt,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write assignments and outbox: %w", err)
	}
	return nil
}

type assignmentRow struct {
	model.OverdueAssignment
	taskStatus model.TaskStatus
	dueAt      *time.Time
}

func assignmentRows(inst *workflow.Instance) []assignmentRow {
	var rows []assignmentRow
	for _, step := range inst.Steps {
		for _, task := range step.Tasks {
			for _, a := range task.Assignments {
				row := assignmentRow{
					OverdueAssignment: model.OverdueAssignment{
						InstanceID:    inst.ID,
						InstanceType:  inst.Type,
						StepID:        step.StepID,
						TaskID:        task.ID,
						TaskName:      task.Name,
						AssignmentID:  a.ID,
						AssigneeID:    a.AssigneeID,
						AssigneeEmail: a.AssigneeEmail,
						AssigneeName:  a.AssigneeName,
						Status:        a.Status,
					},
					taskStatus: task.Status,
					dueAt:      a.DueAt,
				}
				if a.DueAt != nil {
					row.DueAt = *a.DueAt
				}
				rows = append(rows, row)
			}
		}
	}
	return rows
}

// FindByID implements Repository.
func (s *PgRepository) FindByID(ctx context.Context, id string, includeGraph bool) (*workflow.Instance, error) {
	column := "document - 'steps'"
	if includeGraph {
		column = "document"
	}

	var doc []byte
	var version int
	err := s.pool.QueryRow(ctx,
		`SELECT `+column+`, version FROM workflow_instances WHERE id = $1`, id,
	).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow instance: %w", err)
	}
	return decodeInstance(doc, version)
}

func decodeInstance(doc []byte, version int) (*workflow.Instance, error) {
	var inst workflow.Instance
	if err := json.Unmarshal(doc, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance: %w", err)
	}
	inst.Version = version
	return &inst, nil
}

// FindOverdueAssignments implements Repository.
func (s *PgRepository) FindOverdueAssignments(ctx context.Context, filter model.OverdueFilter) ([]model.OverdueAssignment, error) {
	query := `
		SELECT instance_id, instance_type, step_id, task_id, task_name,
		       id, assignee_id, assignee_email, assignee_name, status, due_at
		FROM workflow_assignments
		WHERE status IN ('pending', 'accepted')
		  AND task_status NOT IN ('completed', 'failed', 'skipped')
		  AND instance_status NOT IN ('completed', 'failed', 'cancelled')
		  AND due_at < $1`
	args := []any{filter.Now}
	argIdx := 2

	if filter.InstanceType != "" {
		query += fmt.Sprintf(" AND instance_type = $%d", argIdx)
		args = append(args, filter.InstanceType)
		argIdx++
	}
	if filter.AssigneeID != "" {
		query += fmt.Sprintf(" AND assignee_id = $%d", argIdx)
		args = append(args, filter.AssigneeID)
		argIdx++
	}
	query += " ORDER BY due_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query overdue assignments: %w", err)
	}
	defer rows.Close()

	var out []model.OverdueAssignment
	for rows.Next() {
		var o model.OverdueAssignment
		if err := rows.Scan(
			&o.InstanceID, &o.InstanceType, &o.StepID, &o.TaskID, &o.TaskName,
			&o.AssignmentID, &o.AssigneeID, &o.AssigneeEmail, &o.AssigneeName, &o.Status, &o.DueAt,
		); err != nil {
			return nil, fmt.Errorf("scan overdue assignment: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// FindPaged implements Repository.
func (s *PgRepository) FindPaged(ctx context.Context, filter model.InstanceFilter) (Page, error) {
	filter.Normalize()

	where := " WHERE 1=1"
	var args []any
	argIdx := 1
	if filter.Type != "" {
		where += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filter.Type)
		argIdx++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.InitiatedByID != "" {
		where += fmt.Sprintf(" AND initiated_by_id = $%d", argIdx)
		args = append(args, filter.InitiatedByID)
		argIdx++
	}

	page := Page{Page: filter.Page, PageSize: filter.PageSize, Items: []*workflow.Instance{}}
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM workflow_instances`+where, args...).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("count workflow instances: %w", err)
	}

	query := `SELECT document - 'steps', version FROM workflow_instances` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		var version int
		if err := rows.Scan(&doc, &version); err != nil {
			return Page{}, fmt.Errorf("scan workflow instance: %w", err)
		}
		inst, err := decodeInstance(doc, version)
		if err != nil {
			return Page{}, err
		}
		page.Items = append(page.Items, inst)
	}
	return page, rows.Err()
}

// PendingEvents implements EventStore.
func (s *PgRepository) PendingEvents(ctx context.Context, limit int) ([]model.DomainEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, instance_id, step_id, task_id, assignment_id, data, occurred_at
		FROM workflow_outbox
		WHERE dispatched_at IS NULL
		ORDER BY seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []model.DomainEvent
	for rows.Next() {
		var e model.DomainEvent
		var data []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.InstanceID, &e.StepID, &e.TaskID, &e.AssignmentID, &data, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event %s data: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDispatched implements EventStore.
func (s *PgRepository) MarkDispatched(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE workflow_outbox SET dispatched_at = $1 WHERE id = ANY($2) AND dispatched_at IS NULL`,
		at, ids,
	)
	if err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	return nil
}
