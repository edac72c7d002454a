// Package sqlitestore is a database/sql + mattn/go-sqlite3 adapter for
// store.Port, grounded on the same migrate-then-query shape as the
// wider example pack's opencode storage layer. compare_and_update_stage
// and the composite complete_stage write are each a single transaction
// so the atomicity store.Port requires holds even across process
// restarts and concurrent connections.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/nexxia-ai/reelforge/model"
	"github.com/nexxia-ai/reelforge/pipelineerr"
	"github.com/nexxia-ai/reelforge/registry"
	"github.com/nexxia-ai/reelforge/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipelines (
	id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	current_stage TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS stages (
	id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	agent_name TEXT NOT NULL DEFAULT '',
	output TEXT,
	artifacts TEXT,
	error TEXT NOT NULL DEFAULT '',
	claimed_at DATETIME,
	started_at DATETIME,
	completed_at DATETIME,
	created_at DATETIME NOT NULL,
	UNIQUE(pipeline_id, name)
);

CREATE INDEX IF NOT EXISTS idx_stages_pipeline ON stages(pipeline_id);

CREATE TABLE IF NOT EXISTS attributions (
	id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	stage_id TEXT NOT NULL,
	stage_name TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	percentage INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE(pipeline_id, stage_name)
);
`

// Store is a SQLite-backed store.Port implementation.
type Store struct {
	db      *sql.DB
	backoff backoff.BackOff
}

var _ store.Port = (*Store)(nil)

// Config controls how the adapter opens its database file and retries
// transient driver errors.
type Config struct {
	Path       string
	MaxRetries int
}

// Open creates the data directory if needed, opens the database with
// WAL journaling, and applies the schema.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal=WAL&_timeout=5000&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	s.backoff = backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(cfg.MaxRetries))

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry retries fn a bounded number of times on transient SQLite
// errors (SQLITE_BUSY/SQLITE_LOCKED surface as "database is locked" /
// "database table is locked" from the driver), matching the
// "Transient store errors" taxonomy entry.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.WithContext(s.backoff, ctx)
	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)

	if err == nil {
		return nil
	}
	if perr, ok := err.(*backoff.PermanentError); ok {
		return perr.Err
	}
	return pipelineerr.Wrap(op, pipelineerr.CodeInternal, err)
}

func isTransient(err error) bool {
	msg := err.Error()
	return contains(msg, "database is locked") || contains(msg, "database table is locked") || contains(msg, "busy")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func newID() string {
	return ulid.Make().String()
}

func (s *Store) CreatePipelineWithStages(ctx context.Context, topic, description string, stages []registry.StageName) (*model.Pipeline, []*model.Stage, error) {
	if topic == "" {
		return nil, nil, pipelineerr.New("create_pipeline", pipelineerr.CodeInvalidInput, "topic must not be empty")
	}

	var pipeline *model.Pipeline
	var out []*model.Stage

	err := s.withRetry(ctx, "create_pipeline", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now()
		p := &model.Pipeline{
			ID:           newID(),
			Topic:        topic,
			Description:  description,
			Status:       model.PipelineDraft,
			CurrentStage: registry.First(),
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pipelines (id, topic, description, status, current_stage, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.ID, p.Topic, p.Description, p.Status, p.CurrentStage, p.CreatedAt, p.UpdatedAt); err != nil {
			return err
		}

		stagesOut := make([]*model.Stage, 0, len(stages))
		for _, name := range stages {
			st := &model.Stage{
				ID:         newID(),
				PipelineID: p.ID,
				Name:       name,
				Status:     model.StagePending,
				CreatedAt:  now,
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stages (id, pipeline_id, name, status, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, st.ID, st.PipelineID, st.Name, st.Status, st.CreatedAt); err != nil {
				return err
			}
			stagesOut = append(stagesOut, st)
		}

		if err := tx.Commit(); err != nil {
			return err
		}

		pipeline = p
		out = stagesOut
		return nil
	})

	return pipeline, out, err
}

func (s *Store) FindPipeline(ctx context.Context, pipelineID string) (*model.Pipeline, error) {
	p, err := scanPipeline(s.db.QueryRowContext(ctx, `
		SELECT id, topic, description, status, current_stage, created_at, updated_at
		FROM pipelines WHERE id = ?
	`, pipelineID))
	if err == sql.ErrNoRows {
		return nil, pipelineerr.New("find_pipeline", pipelineerr.CodeNotFound, fmt.Sprintf("pipeline %s not found", pipelineID))
	}
	if err != nil {
		return nil, pipelineerr.Wrap("find_pipeline", pipelineerr.CodeInternal, err)
	}
	return p, nil
}

func (s *Store) FindStage(ctx context.Context, pipelineID string, name registry.StageName) (*model.Stage, error) {
	st, err := scanStage(s.db.QueryRowContext(ctx, stageSelect+" WHERE pipeline_id = ? AND name = ?", pipelineID, name))
	if err == sql.ErrNoRows {
		return nil, pipelineerr.New("find_stage", pipelineerr.CodeNotFound, fmt.Sprintf("stage %s not found in pipeline %s", name, pipelineID))
	}
	if err != nil {
		return nil, pipelineerr.Wrap("find_stage", pipelineerr.CodeInternal, err)
	}
	return st, nil
}

func (s *Store) FindStageByID(ctx context.Context, stageID string) (*model.Stage, error) {
	st, err := scanStage(s.db.QueryRowContext(ctx, stageSelect+" WHERE id = ?", stageID))
	if err == sql.ErrNoRows {
		return nil, pipelineerr.New("find_stage_by_id", pipelineerr.CodeNotFound, fmt.Sprintf("stage %s not found", stageID))
	}
	if err != nil {
		return nil, pipelineerr.Wrap("find_stage_by_id", pipelineerr.CodeInternal, err)
	}
	return st, nil
}

func (s *Store) ListPipelineStages(ctx context.Context, pipelineID string) ([]*model.Stage, error) {
	rows, err := s.db.QueryContext(ctx, stageSelect+" WHERE pipeline_id = ?", pipelineID)
	if err != nil {
		return nil, pipelineerr.Wrap("list_pipeline_stages", pipelineerr.CodeInternal, err)
	}
	defer rows.Close()
	stages, err := scanStages(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(stages, func(i, j int) bool {
		return registry.OrderOf(stages[i].Name) < registry.OrderOf(stages[j].Name)
	})
	return stages, nil
}

func (s *Store) ListRunningPipelinesWithStages(ctx context.Context) ([]*model.Pipeline, map[string][]*model.Stage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, description, status, current_stage, created_at, updated_at
		FROM pipelines WHERE status = ? ORDER BY created_at ASC
	`, model.PipelineRunning)
	if err != nil {
		return nil, nil, pipelineerr.Wrap("list_running_pipelines", pipelineerr.CodeInternal, err)
	}
	defer rows.Close()

	var pipelines []*model.Pipeline
	for rows.Next() {
		p, err := scanPipelineRow(rows)
		if err != nil {
			return nil, nil, pipelineerr.Wrap("list_running_pipelines", pipelineerr.CodeInternal, err)
		}
		pipelines = append(pipelines, p)
	}

	byPipeline := make(map[string][]*model.Stage, len(pipelines))
	for _, p := range pipelines {
		stages, err := s.ListPipelineStages(ctx, p.ID)
		if err != nil {
			return nil, nil, err
		}
		byPipeline[p.ID] = stages
	}

	return pipelines, byPipeline, nil
}

func (s *Store) ListPipelines(ctx context.Context, filter model.PipelineFilter, limit int) ([]*model.Pipeline, error) {
	query := `SELECT id, topic, description, status, current_stage, created_at, updated_at FROM pipelines`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pipelineerr.Wrap("list_pipelines", pipelineerr.CodeInternal, err)
	}
	defer rows.Close()

	var out []*model.Pipeline
	for rows.Next() {
		p, err := scanPipelineRow(rows)
		if err != nil {
			return nil, pipelineerr.Wrap("list_pipelines", pipelineerr.CodeInternal, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) CompareAndUpdateStage(ctx context.Context, stageID string, expectedStatus model.StageStatus, fields store.StageFields) (bool, *model.Stage, error) {
	var applied bool
	var st *model.Stage

	err := s.withRetry(ctx, "compare_and_update_stage", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		setSQL, args := buildStageUpdate(fields)
		args = append(args, stageID, expectedStatus)

		res, err := tx.ExecContext(ctx, `UPDATE stages SET `+setSQL+` WHERE id = ? AND status = ?`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		current, err := scanStageTx(tx, ctx, stageID)
		if err != nil {
			return err
		}
		st = current
		applied = n > 0

		return tx.Commit()
	})

	return applied, st, err
}

func (s *Store) UpdatePipeline(ctx context.Context, pipelineID string, fields store.PipelineFields) (*model.Pipeline, error) {
	var out *model.Pipeline
	err := s.withRetry(ctx, "update_pipeline", func() error {
		setSQL, args := buildPipelineUpdate(fields)
		args = append(args, pipelineID)
		if _, err := s.db.ExecContext(ctx, `UPDATE pipelines SET `+setSQL+` WHERE id = ?`, args...); err != nil {
			return err
		}
		p, err := s.FindPipeline(ctx, pipelineID)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Store) CompleteStageTx(ctx context.Context, stageID string, expectedStatuses []model.StageStatus, stageFields store.StageFields, attribution *model.Attribution, advancePipeline *store.PipelineFields) (bool, *model.Stage, *model.Pipeline, error) {
	var applied bool
	var stageOut *model.Stage
	var pipelineOut *model.Pipeline

	err := s.withRetry(ctx, "complete_stage", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		current, err := scanStageTx(tx, ctx, stageID)
		if err != nil {
			return err
		}
		if !statusIn(current.Status, expectedStatuses) {
			stageOut = current
			applied = false
			return tx.Commit()
		}

		setSQL, args := buildStageUpdate(stageFields)
		args = append(args, stageID)
		if _, err := tx.ExecContext(ctx, `UPDATE stages SET `+setSQL+` WHERE id = ?`, args...); err != nil {
			return err
		}

		if attribution != nil {
			if attribution.ID == "" {
				attribution.ID = newID()
			}
			if attribution.CreatedAt.IsZero() {
				attribution.CreatedAt = time.Now()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attributions (id, pipeline_id, stage_id, stage_name, agent_id, agent_name, percentage, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(pipeline_id, stage_name) DO NOTHING
			`, attribution.ID, attribution.PipelineID, attribution.StageID, attribution.StageName,
				attribution.AgentID, attribution.AgentName, attribution.Percentage, attribution.CreatedAt); err != nil {
				return err
			}
		}

		if advancePipeline != nil {
			setSQL, args := buildPipelineUpdate(*advancePipeline)
			args = append(args, current.PipelineID)
			if _, err := tx.ExecContext(ctx, `UPDATE pipelines SET `+setSQL+` WHERE id = ?`, args...); err != nil {
				return err
			}
		}

		updatedStage, err := scanStageTx(tx, ctx, stageID)
		if err != nil {
			return err
		}
		updatedPipeline, err := scanPipelineTx(tx, ctx, current.PipelineID)
		if err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}

		applied = true
		stageOut = updatedStage
		pipelineOut = updatedPipeline
		return nil
	})

	return applied, stageOut, pipelineOut, err
}

func (s *Store) AppendAttribution(ctx context.Context, a *model.Attribution) (*model.Attribution, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	err := s.withRetry(ctx, "append_attribution", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO attributions (id, pipeline_id, stage_id, stage_name, agent_id, agent_name, percentage, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(pipeline_id, stage_name) DO NOTHING
		`, a.ID, a.PipelineID, a.StageID, a.StageName, a.AgentID, a.AgentName, a.Percentage, a.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, stage_id, stage_name, agent_id, agent_name, percentage, created_at
		FROM attributions WHERE pipeline_id = ? AND stage_name = ?
	`, a.PipelineID, a.StageName)
	return scanAttribution(row)
}

func (s *Store) ListAttributions(ctx context.Context, pipelineID string) ([]*model.Attribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, stage_id, stage_name, agent_id, agent_name, percentage, created_at
		FROM attributions WHERE pipeline_id = ?
	`, pipelineID)
	if err != nil {
		return nil, pipelineerr.Wrap("list_attributions", pipelineerr.CodeInternal, err)
	}
	defer rows.Close()

	var out []*model.Attribution
	for rows.Next() {
		a, err := scanAttributionRow(rows)
		if err != nil {
			return nil, pipelineerr.Wrap("list_attributions", pipelineerr.CodeInternal, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func statusIn(status model.StageStatus, set []model.StageStatus) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}

const stageSelect = `
	SELECT id, pipeline_id, name, status, agent_id, agent_name, output, artifacts, error, claimed_at, started_at, completed_at, created_at
	FROM stages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStage(row rowScanner) (*model.Stage, error) {
	var st model.Stage
	var output, artifacts sql.NullString
	var claimedAt, startedAt, completedAt sql.NullTime

	if err := row.Scan(&st.ID, &st.PipelineID, &st.Name, &st.Status, &st.AgentID, &st.AgentName,
		&output, &artifacts, &st.Error, &claimedAt, &startedAt, &completedAt, &st.CreatedAt); err != nil {
		return nil, err
	}

	if output.Valid {
		st.Output = json.RawMessage(output.String)
	}
	if artifacts.Valid {
		_ = json.Unmarshal([]byte(artifacts.String), &st.Artifacts)
	}
	if claimedAt.Valid {
		st.ClaimedAt = &claimedAt.Time
	}
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}

	return &st, nil
}

func scanStages(rows *sql.Rows) ([]*model.Stage, error) {
	var out []*model.Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, pipelineerr.Wrap("scan_stage", pipelineerr.CodeInternal, err)
		}
		out = append(out, st)
	}
	return out, nil
}

func scanStageTx(tx *sql.Tx, ctx context.Context, stageID string) (*model.Stage, error) {
	return scanStage(tx.QueryRowContext(ctx, stageSelect+" WHERE id = ?", stageID))
}

func scanPipeline(row rowScanner) (*model.Pipeline, error) {
	var p model.Pipeline
	if err := row.Scan(&p.ID, &p.Topic, &p.Description, &p.Status, &p.CurrentStage, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPipelineRow(rows *sql.Rows) (*model.Pipeline, error) {
	return scanPipeline(rows)
}

func scanPipelineTx(tx *sql.Tx, ctx context.Context, pipelineID string) (*model.Pipeline, error) {
	return scanPipeline(tx.QueryRowContext(ctx, `
		SELECT id, topic, description, status, current_stage, created_at, updated_at
		FROM pipelines WHERE id = ?
	`, pipelineID))
}

func scanAttribution(row rowScanner) (*model.Attribution, error) {
	var a model.Attribution
	if err := row.Scan(&a.ID, &a.PipelineID, &a.StageID, &a.StageName, &a.AgentID, &a.AgentName, &a.Percentage, &a.CreatedAt); err != nil {
		return nil, pipelineerr.Wrap("scan_attribution", pipelineerr.CodeInternal, err)
	}
	return &a, nil
}

func scanAttributionRow(rows *sql.Rows) (*model.Attribution, error) {
	return scanAttribution(rows)
}

func buildStageUpdate(fields store.StageFields) (string, []any) {
	var sets []string
	var args []any

	if fields.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, fields.Status)
	}
	if fields.AgentID != nil {
		sets = append(sets, "agent_id = ?")
		args = append(args, *fields.AgentID)
	}
	if fields.AgentName != nil {
		sets = append(sets, "agent_name = ?")
		args = append(args, *fields.AgentName)
	}
	if fields.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(*fields.Output))
	}
	if fields.Artifacts != nil {
		encoded, _ := json.Marshal(*fields.Artifacts)
		sets = append(sets, "artifacts = ?")
		args = append(args, string(encoded))
	}
	if fields.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *fields.Error)
	}
	if fields.ClaimedAt != nil && *fields.ClaimedAt {
		sets = append(sets, "claimed_at = ?")
		args = append(args, time.Now())
	}
	if fields.StartedAt != nil && *fields.StartedAt {
		sets = append(sets, "started_at = ?")
		args = append(args, time.Now())
	}
	if fields.CompletedAt != nil && *fields.CompletedAt {
		sets = append(sets, "completed_at = ?")
		args = append(args, time.Now())
	}

	if len(sets) == 0 {
		return "status = status", args
	}

	sql := sets[0]
	for _, s := range sets[1:] {
		sql += ", " + s
	}
	return sql, args
}

func buildPipelineUpdate(fields store.PipelineFields) (string, []any) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now()}

	if fields.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *fields.Status)
	}
	if fields.CurrentStage != nil {
		sets = append(sets, "current_stage = ?")
		args = append(args, *fields.CurrentStage)
	}

	sql := sets[0]
	for _, s := range sets[1:] {
		sql += ", " + s
	}
	return sql, args
}
