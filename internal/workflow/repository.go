package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a workflow, run, or block lookup finds no
// matching row.
var ErrNotFound = errors.New("workflow not found")

// Repository is the sqlx-backed store the materializer, credit planner, and
// run executor all load from and write to. All reads and writes are
// org-scoped.
type Repository struct {
	db *sqlx.DB
}

// NewRepository constructs a Repository over an existing connection pool.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// GetWorkflow loads a workflow by id, scoped to orgID.
func (r *Repository) GetWorkflow(ctx context.Context, orgID, workflowID string) (*Workflow, error) {
	const query = `SELECT * FROM workflows WHERE id = $1 AND org_id = $2`

	var wf Workflow
	err := r.db.GetContext(ctx, &wf, query, workflowID, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return &wf, nil
}

// PublishWorkflow embeds a materialized graph into the workflow record and
// flips its status to published, making the publish a commit point: later
// block edits do not retroactively change a published workflow's graph.
func (r *Repository) PublishWorkflow(ctx context.Context, orgID, workflowID string, graph json.RawMessage) error {
	const query = `
		UPDATE workflows
		SET graph = $3, status = $4, updated_at = $5
		WHERE id = $1 AND org_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, workflowID, orgID, graph, WorkflowStatusPublished, time.Now())
	if err != nil {
		return fmt.Errorf("publish workflow: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("publish workflow: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// blockRow mirrors the blocks table's columns. Dependencies and Position are
// stored as JSON and decoded into Block's typed fields after the scan.
type blockRow struct {
	ID          string          `db:"id"`
	WorkflowID  string          `db:"workflow_id"`
	Type        string          `db:"type"`
	Config      json.RawMessage `db:"config"`
	OrderIndex  int             `db:"order_index"`
	Alias       sql.NullString  `db:"alias"`
	ConnectorID sql.NullString  `db:"connector_id"`
	Dependencies json.RawMessage `db:"dependencies"`
	PositionX   sql.NullFloat64 `db:"position_x"`
	PositionY   sql.NullFloat64 `db:"position_y"`
	CreatedAt   time.Time       `db:"created_at"`
}

func (row blockRow) toBlock() (Block, error) {
	b := Block{
		ID:         row.ID,
		WorkflowID: row.WorkflowID,
		Type:       row.Type,
		Config:     row.Config,
		Order:      row.OrderIndex,
		CreatedAt:  row.CreatedAt,
	}
	if row.Alias.Valid {
		b.Alias = &row.Alias.String
	}
	if row.ConnectorID.Valid {
		b.ConnectorID = &row.ConnectorID.String
	}
	if row.PositionX.Valid && row.PositionY.Valid {
		b.Position = &Position{X: row.PositionX.Float64, Y: row.PositionY.Float64}
	}
	if len(row.Dependencies) > 0 {
		if err := json.Unmarshal(row.Dependencies, &b.Dependencies); err != nil {
			return Block{}, fmt.Errorf("decode dependencies for block %s: %w", row.ID, err)
		}
	}
	return b, nil
}

// ListBlocksByWorkflow loads a workflow's blocks ordered by (order, createdAt),
// satisfying the materializer's BlockLister dependency.
func (r *Repository) ListBlocksByWorkflow(ctx context.Context, orgID, workflowID string) ([]Block, error) {
	const query = `
		SELECT b.* FROM blocks b
		JOIN workflows w ON w.id = b.workflow_id
		WHERE b.workflow_id = $1 AND w.org_id = $2
		ORDER BY b.order_index ASC, b.created_at ASC
	`

	var rows []blockRow
	if err := r.db.SelectContext(ctx, &rows, query, workflowID, orgID); err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}

	blocks := make([]Block, 0, len(rows))
	for _, row := range rows {
		b, err := row.toBlock()
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// CreateRun inserts a new run in pending status.
func (r *Repository) CreateRun(ctx context.Context, orgID, workflowID string, payload json.RawMessage) (*Run, error) {
	const query = `
		INSERT INTO runs (id, org_id, workflow_id, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`

	var run Run
	err := r.db.QueryRowxContext(
		ctx, query,
		uuid.New().String(), orgID, workflowID, payload, RunStatusPending, time.Now(),
	).StructScan(&run)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return &run, nil
}

// GetRun loads a run by id, scoped to orgID.
func (r *Repository) GetRun(ctx context.Context, orgID, runID string) (*Run, error) {
	const query = `SELECT * FROM runs WHERE id = $1 AND org_id = $2`

	var run Run
	err := r.db.GetContext(ctx, &run, query, runID, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// ClaimNextPendingRun locks and returns the oldest pending run across all
// orgs, skipping rows already locked by a concurrent claimant, so multiple
// executor processes can poll the same table without double-dispatching a
// run. Returns (nil, nil) when no pending run is available.
func (r *Repository) ClaimNextPendingRun(ctx context.Context) (*Run, error) {
	const query = `
		SELECT * FROM runs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim pending run: %w", err)
	}
	defer tx.Rollback()

	var run Run
	err = tx.QueryRowxContext(ctx, query, RunStatusPending).StructScan(&run)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending run: %w", err)
	}

	const markQuery = `UPDATE runs SET status = $2, started_at = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, markQuery, run.ID, RunStatusRunning, time.Now()); err != nil {
		return nil, fmt.Errorf("claim pending run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim pending run: %w", err)
	}

	run.Status = RunStatusRunning
	return &run, nil
}

// GetRunStatus reads a run's current status without scanning the rest of
// the row, for the executor's per-node cancellation check.
func (r *Repository) GetRunStatus(ctx context.Context, orgID, runID string) (RunStatus, error) {
	const query = `SELECT status FROM runs WHERE id = $1 AND org_id = $2`

	var status RunStatus
	err := r.db.GetContext(ctx, &status, query, runID, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get run status: %w", err)
	}
	return status, nil
}

// MarkRunStarted transitions a run from pending to running, stamping startedAt.
func (r *Repository) MarkRunStarted(ctx context.Context, orgID, runID string) error {
	const query = `
		UPDATE runs SET status = $3, started_at = $4
		WHERE id = $1 AND org_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, runID, orgID, RunStatusRunning, time.Now())
	if err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteRun atomically sets a run's terminal status and result in a single
// statement, satisfying the persistence layer's "update run status and
// result" atomicity requirement.
func (r *Repository) CompleteRun(ctx context.Context, orgID, runID string, status RunStatus, result json.RawMessage) error {
	const query = `
		UPDATE runs SET status = $3, result = $4, ended_at = $5
		WHERE id = $1 AND org_id = $2
	`

	now := time.Now()
	dbResult, err := r.db.ExecContext(ctx, query, runID, orgID, status, result, now)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	affected, err := dbResult.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
