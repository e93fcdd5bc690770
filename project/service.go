package project

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"bactrack/apperr"
	"bactrack/auth"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool        TxBeginner
	repo        Repository
	idGenerator func() string
	now         func() time.Time
	timeout     time.Duration
}

func NewService(pool TxBeginner, repo Repository) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		timeout:     5 * time.Second,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Create adds a project owned by actor. PR number and details are required.
func (s *Service) Create(ctx context.Context, actor auth.Actor, params CreateParams) (Project, error) {
	if actor.ID == "" {
		return Project{}, fmt.Errorf("project: missing actor id")
	}
	prNumber, details, err := requireHeader(params.PRNumber, params.Details)
	if err != nil {
		return Project{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Project{}, apperr.Storage("project: begin tx", err)
	}
	defer tx.Rollback(ctx)

	p := Project{
		ID:        s.idGenerator(),
		PRNumber:  prNumber,
		Details:   details,
		CreatorID: actor.ID,
		CreatedAt: wallClock(s.now()),
	}
	if remarks := strings.TrimSpace(params.Remarks); remarks != "" {
		p.Remarks = &remarks
	}

	created, err := s.repo.Create(ctx, tx, p)
	if err != nil {
		return Project{}, apperr.Storage("project: create", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Project{}, apperr.Storage("project: commit tx", err)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Project, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return Project{}, apperr.Storage("project: get", err)
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, filters Filters) ([]Listing, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	list, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, apperr.Storage("project: list", err)
	}
	return list, nil
}

// UpdateHeader overwrites PR number and details. Only admins may edit a header.
func (s *Service) UpdateHeader(ctx context.Context, actor auth.Actor, params HeaderParams) (Project, error) {
	if !actor.IsAdmin {
		return Project{}, apperr.Forbidden("update project header")
	}
	prNumber, details, err := requireHeader(params.PRNumber, params.Details)
	if err != nil {
		return Project{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Project{}, apperr.Storage("project: begin tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.GetForUpdate(ctx, tx, params.ProjectID); err != nil {
		return Project{}, apperr.Storage("project: lock", err)
	}
	updated, err := s.repo.UpdateHeader(ctx, tx, params.ProjectID, prNumber, details, actor.ID, wallClock(s.now()))
	if err != nil {
		return Project{}, apperr.Storage("project: update header", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Project{}, apperr.Storage("project: commit tx", err)
	}
	return updated, nil
}

// Delete removes a project together with its stages. Admin only.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, id string) error {
	if !actor.IsAdmin {
		return apperr.Forbidden("delete project")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Storage("project: begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Delete(ctx, tx, id); err != nil {
		return apperr.Storage("project: delete", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Storage("project: commit tx", err)
	}
	return nil
}

func requireHeader(prNumber, details string) (string, string, error) {
	prNumber = strings.TrimSpace(prNumber)
	details = strings.TrimSpace(details)
	var missing []string
	if prNumber == "" {
		missing = append(missing, "prNumber")
	}
	if details == "" {
		missing = append(missing, "details")
	}
	if len(missing) > 0 {
		return "", "", apperr.IncompleteSubmission("", missing...)
	}
	return prNumber, details, nil
}

func wallClock(t time.Time) time.Time {
	y, mo, d := t.Date()
	h, mi, sec := t.Clock()
	return time.Date(y, mo, d, h, mi, sec, 0, time.UTC)
}
