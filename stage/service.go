package stage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"bactrack/apperr"
	"bactrack/auth"
	"bactrack/metrics"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository is the stage data access used by the engine.
type Repository interface {
	EnsureStages(ctx context.Context, tx pgx.Tx, projectID string, order Order) (int64, error)
	ListStages(ctx context.Context, tx pgx.Tx, projectID string) ([]Record, error)
	UpdateStage(ctx context.Context, tx pgx.Tx, rec Record) error
	SeedCreatedAt(ctx context.Context, tx pgx.Tx, projectID, stageName string, at time.Time) (bool, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error
}

// ProjectLocker is the slice of the project store the engine needs. Both lock
// methods return a NotFound error for unknown projects.
type ProjectLocker interface {
	LockForShare(ctx context.Context, tx pgx.Tx, projectID string) error
	LockForUpdate(ctx context.Context, tx pgx.Tx, projectID string) error
	StampLastAccessed(ctx context.Context, tx pgx.Tx, projectID, actorID string, at time.Time) error
}

// Outbox enqueues integration messages in the caller's transaction.
type Outbox interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

const DefaultOperationTimeout = 5 * time.Second

// Engine applies stage transitions for one project at a time. It keeps no
// state between calls; every operation reloads the snapshot from the store.
type Engine struct {
	pool     TxBeginner
	repo     Repository
	projects ProjectLocker
	outbox   Outbox
	order    Order
	now      func() time.Time
	timeout  time.Duration
	logger   *zap.Logger
}

func NewEngine(pool TxBeginner, repo Repository, projects ProjectLocker, outbox Outbox) *Engine {
	if repo == nil {
		repo = NewRepository()
	}
	return &Engine{
		pool:     pool,
		repo:     repo,
		projects: projects,
		outbox:   outbox,
		order:    Canonical,
		now:      time.Now,
		timeout:  DefaultOperationTimeout,
		logger:   zap.NewNop(),
	}
}

func (e *Engine) WithOrder(order Order) *Engine {
	e.order = order
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithTimeout bounds every store round trip of one operation. d <= 0 keeps
// the default.
func (e *Engine) WithTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.timeout = d
	}
	return e
}

func (e *Engine) WithLogger(logger *zap.Logger) *Engine {
	e.logger = logger
	return e
}

func (e *Engine) Order() Order { return e.order }

// EnsureInitialized materializes the full stage set of a project that has none.
func (e *Engine) EnsureInitialized(ctx context.Context, projectID string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return apperr.Storage("stage: begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := e.ensure(ctx, tx, projectID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Storage("stage: commit tx", err)
	}
	return nil
}

// Snapshot returns the presentation of every stage of the project as seen by
// actor, initializing the stage set first if needed.
func (e *Engine) Snapshot(ctx context.Context, projectID string, actor auth.Actor) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, apperr.Storage("stage: begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := e.ensure(ctx, tx, projectID); err != nil {
		return Snapshot{}, err
	}
	records, err := e.repo.ListStages(ctx, tx, projectID)
	if err != nil {
		return Snapshot{}, apperr.Storage("stage: list stages", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, apperr.Storage("stage: commit tx", err)
	}

	return e.snapshot(projectID, records, actor.IsAdmin), nil
}

// Submit validates and applies one stage update. A non-submitted stage becomes
// submitted and seeds the next stage's start time; an admin submitting an
// already-submitted stage reverts it, keeping the supplied field values.
// Nothing is written unless every check passes.
func (e *Engine) Submit(ctx context.Context, p SubmitParams) (Snapshot, error) {
	if _, ok := e.order.Index(p.Stage); !ok {
		return Snapshot{}, e.reject(apperr.UnknownStage(p.Stage))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, apperr.Storage("stage: begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := e.projects.LockForUpdate(ctx, tx, p.ProjectID); err != nil {
		return Snapshot{}, apperr.Storage("stage: lock project", err)
	}
	if _, err := e.repo.EnsureStages(ctx, tx, p.ProjectID, e.order); err != nil {
		return Snapshot{}, apperr.Storage("stage: ensure stages", err)
	}
	records, err := e.repo.ListStages(ctx, tx, p.ProjectID)
	if err != nil {
		return Snapshot{}, apperr.Storage("stage: list stages", err)
	}

	state, err := e.order.RowState(records, p.Stage, p.Actor.IsAdmin)
	if err != nil {
		return Snapshot{}, e.reject(err)
	}
	if !state.Allowed {
		return Snapshot{}, e.reject(apperr.OutOfOrder(p.Stage))
	}
	if state.Submitted && !p.Actor.IsAdmin {
		return Snapshot{}, e.reject(apperr.Forbidden("submit stage"))
	}
	values, err := normalize(p.Stage, p.Fields)
	if err != nil {
		return Snapshot{}, e.reject(err)
	}

	now := WallClock(e.now())
	forward := !state.Submitted

	rec := Record{
		ProjectID:  p.ProjectID,
		Name:       p.Stage,
		Position:   state.Position,
		CreatedAt:  &values.createdAt,
		ApprovedAt: &values.approvedAt,
		Office:     &values.office,
		Remarks:    &values.remark,
		Submitted:  forward,
	}
	if err := e.repo.UpdateStage(ctx, tx, rec); err != nil {
		return Snapshot{}, apperr.Storage("stage: update stage", err)
	}

	seeded := ""
	if forward {
		if next, ok := e.order.Next(p.Stage); ok {
			didSeed, err := e.repo.SeedCreatedAt(ctx, tx, p.ProjectID, next.Name, now)
			if err != nil {
				return Snapshot{}, apperr.Storage("stage: seed next stage", err)
			}
			if didSeed {
				seeded = next.Name
			}
		}
	}

	if err := e.projects.StampLastAccessed(ctx, tx, p.ProjectID, p.Actor.ID, now); err != nil {
		return Snapshot{}, apperr.Storage("stage: stamp project", err)
	}

	eventType, topic, kind := EventStageSubmitted, TopicStageSubmitted, "submit"
	if !forward {
		eventType, topic, kind = EventStageUnsubmitted, TopicStageUnsubmitted, "unsubmit"
	}
	payload := map[string]any{
		"project_id":  p.ProjectID,
		"stage":       p.Stage,
		"position":    state.Position,
		"submitted":   forward,
		"actor_id":    p.Actor.ID,
		"created_at":  FormatStorage(values.createdAt),
		"approved_at": FormatStorage(values.approvedAt),
		"occurred_at": FormatStorage(now),
	}
	if seeded != "" {
		payload["seeded_stage"] = seeded
	}

	if err := e.repo.AppendEvent(ctx, tx, Event{
		ProjectID: p.ProjectID,
		Stage:     p.Stage,
		Type:      eventType,
		ActorID:   p.Actor.ID,
		Payload:   payload,
	}); err != nil {
		return Snapshot{}, apperr.Storage("stage: append event", err)
	}
	if e.outbox != nil {
		if err := e.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return Snapshot{}, apperr.Storage("stage: enqueue outbox", err)
		}
	}

	records, err = e.repo.ListStages(ctx, tx, p.ProjectID)
	if err != nil {
		return Snapshot{}, apperr.Storage("stage: reload stages", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, apperr.Storage("stage: commit tx", err)
	}

	metrics.IncrementStageTransition(p.Stage, kind)
	e.logger.Info("stage transition applied",
		zap.String("project_id", p.ProjectID),
		zap.String("stage", p.Stage),
		zap.String("kind", kind),
		zap.String("actor_id", p.Actor.ID),
		zap.String("seeded_stage", seeded),
	)

	return e.snapshot(p.ProjectID, records, p.Actor.IsAdmin), nil
}

func (e *Engine) ensure(ctx context.Context, tx pgx.Tx, projectID string) error {
	if err := e.projects.LockForShare(ctx, tx, projectID); err != nil {
		return apperr.Storage("stage: lock project", err)
	}
	created, err := e.repo.EnsureStages(ctx, tx, projectID, e.order)
	if err != nil {
		return apperr.Storage("stage: ensure stages", err)
	}
	if created > 0 {
		e.logger.Debug("stages initialized", zap.String("project_id", projectID), zap.Int64("created", created))
	}
	return nil
}

func (e *Engine) snapshot(projectID string, records []Record, isAdmin bool) Snapshot {
	return Snapshot{ProjectID: projectID, Rows: e.order.Rows(records, isAdmin)}
}

func (e *Engine) reject(err error) error {
	reason := "forbidden"
	var vErr *apperr.ValidationError
	if errors.As(err, &vErr) {
		reason = string(vErr.Kind)
	}
	metrics.IncrementStageRejection(reason)
	return err
}

type normalized struct {
	createdAt  time.Time
	approvedAt time.Time
	office     string
	remark     string
}

func normalize(stageName string, f Fields) (normalized, error) {
	var missing []string
	check := func(field, value string) string {
		value = strings.TrimSpace(value)
		if value == "" {
			missing = append(missing, field)
		}
		return value
	}
	created := check("createdAt", f.CreatedAt)
	approved := check("approvedAt", f.ApprovedAt)
	office := check("office", f.Office)
	remark := check("remark", f.Remark)
	if len(missing) > 0 {
		return normalized{}, apperr.IncompleteSubmission(stageName, missing...)
	}

	createdAt, err := ParseLocal(created)
	if err != nil {
		return normalized{}, apperr.InvalidTimestamp(stageName, "createdAt", created)
	}
	approvedAt, err := ParseLocal(approved)
	if err != nil {
		return normalized{}, apperr.InvalidTimestamp(stageName, "approvedAt", approved)
	}

	return normalized{
		createdAt:  createdAt,
		approvedAt: approvedAt,
		office:     office,
		remark:     remark,
	}, nil
}
