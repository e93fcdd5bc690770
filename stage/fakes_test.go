package stage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bactrack/apperr"
)

// memState is the content of the fake database. Each transaction works on a
// clone that replaces the store's copy on commit.
type memState struct {
	stages   map[string]map[string]Record
	projects map[string]projectRow
	events   []Event
	outbox   []outboxMsg
}

type projectRow struct {
	lastAccessedAt *time.Time
	lastAccessedBy string
}

type outboxMsg struct {
	topic   string
	payload map[string]any
}

func (s *memState) clone() *memState {
	c := &memState{
		stages:   make(map[string]map[string]Record, len(s.stages)),
		projects: make(map[string]projectRow, len(s.projects)),
		events:   append([]Event(nil), s.events...),
		outbox:   append([]outboxMsg(nil), s.outbox...),
	}
	for id, recs := range s.stages {
		m := make(map[string]Record, len(recs))
		for k, v := range recs {
			m[k] = v
		}
		c.stages[id] = m
	}
	for id, p := range s.projects {
		c.projects[id] = p
	}
	return c
}

type memStore struct {
	state     *memState
	commits   int
	rollbacks int
	updates   int
	failOn    map[string]error
	beginErr  error
	lockCalls int
}

func newMemStore(projectIDs ...string) *memStore {
	st := &memStore{
		state: &memState{
			stages:   map[string]map[string]Record{},
			projects: map[string]projectRow{},
		},
		failOn: map[string]error{},
	}
	for _, id := range projectIDs {
		st.state.projects[id] = projectRow{}
	}
	return st
}

func (m *memStore) Begin(context.Context) (pgx.Tx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	return &memTx{store: m, work: m.state.clone()}, nil
}

func (m *memStore) stages(projectID string) map[string]Record {
	return m.state.stages[projectID]
}

func (m *memStore) fail(op string) error {
	return m.failOn[op]
}

func work(tx pgx.Tx) *memState {
	return tx.(*memTx).work
}

// EnsureStages, ListStages, UpdateStage, SeedCreatedAt and AppendEvent make
// memStore a Repository.
func (m *memStore) EnsureStages(_ context.Context, tx pgx.Tx, projectID string, order Order) (int64, error) {
	if err := m.fail("ensure"); err != nil {
		return 0, err
	}
	w := work(tx)
	if _, ok := w.projects[projectID]; !ok {
		return 0, apperr.ProjectNotFound(projectID)
	}
	recs, ok := w.stages[projectID]
	if !ok {
		recs = map[string]Record{}
		w.stages[projectID] = recs
	}
	var created int64
	for i, name := range order.Names() {
		if _, exists := recs[name]; exists {
			continue
		}
		recs[name] = Record{ProjectID: projectID, Name: name, Position: i}
		created++
	}
	return created, nil
}

func (m *memStore) ListStages(_ context.Context, tx pgx.Tx, projectID string) ([]Record, error) {
	if err := m.fail("list"); err != nil {
		return nil, err
	}
	recs := work(tx).stages[projectID]
	out := make([]Record, len(recs))
	for _, r := range recs {
		out[r.Position] = r
	}
	return out, nil
}

func (m *memStore) UpdateStage(_ context.Context, tx pgx.Tx, rec Record) error {
	m.updates++
	if err := m.fail("update"); err != nil {
		return err
	}
	recs := work(tx).stages[rec.ProjectID]
	if _, ok := recs[rec.Name]; !ok {
		return ErrStageMissing
	}
	recs[rec.Name] = rec
	return nil
}

func (m *memStore) SeedCreatedAt(_ context.Context, tx pgx.Tx, projectID, stageName string, at time.Time) (bool, error) {
	if err := m.fail("seed"); err != nil {
		return false, err
	}
	recs := work(tx).stages[projectID]
	rec := recs[stageName]
	if rec.CreatedAt != nil {
		return false, nil
	}
	rec.CreatedAt = &at
	recs[stageName] = rec
	return true, nil
}

func (m *memStore) AppendEvent(_ context.Context, tx pgx.Tx, ev Event) error {
	if err := m.fail("event"); err != nil {
		return err
	}
	w := work(tx)
	w.events = append(w.events, ev)
	return nil
}

// LockForShare, LockForUpdate and StampLastAccessed make memStore a ProjectLocker.
func (m *memStore) LockForShare(_ context.Context, tx pgx.Tx, projectID string) error {
	m.lockCalls++
	if _, ok := work(tx).projects[projectID]; !ok {
		return apperr.ProjectNotFound(projectID)
	}
	return nil
}

func (m *memStore) LockForUpdate(ctx context.Context, tx pgx.Tx, projectID string) error {
	return m.LockForShare(ctx, tx, projectID)
}

func (m *memStore) StampLastAccessed(_ context.Context, tx pgx.Tx, projectID, actorID string, at time.Time) error {
	if err := m.fail("stamp"); err != nil {
		return err
	}
	w := work(tx)
	w.projects[projectID] = projectRow{lastAccessedAt: &at, lastAccessedBy: actorID}
	return nil
}

// Enqueue makes memStore an Outbox.
func (m *memStore) Enqueue(_ context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if err := m.fail("outbox"); err != nil {
		return err
	}
	w := work(tx)
	w.outbox = append(w.outbox, outboxMsg{topic: topic, payload: payload})
	return nil
}

type memTx struct {
	store *memStore
	work  *memState
	done  bool
}

func (t *memTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("memTx does not support nested transactions")
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	if err := t.store.fail("commit"); err != nil {
		return err
	}
	t.done = true
	t.store.state = t.work
	t.store.commits++
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.rollbacks++
	return nil
}

func (t *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *memTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (t *memTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (t *memTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (t *memTx) Conn() *pgx.Conn {
	return nil
}
