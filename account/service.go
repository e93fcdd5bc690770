package account

import (
	"context"
	"errors"
)

// NotAvailable is shown in place of a name that cannot be resolved.
const NotAvailable = "Not Available"

// ProfileReader abstracts repository operations for the service.
type ProfileReader interface {
	GetByID(ctx context.Context, id string) (Profile, error)
}

type Service struct {
	repo ProfileReader
}

func NewService(repo ProfileReader) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// DisplayName resolves id to a display name. Empty and unknown ids yield
// NotAvailable; other lookup failures are returned.
func (s *Service) DisplayName(ctx context.Context, id string) (string, error) {
	if id == "" {
		return NotAvailable, nil
	}
	p, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return NotAvailable, nil
	}
	if err != nil {
		return "", err
	}
	return p.DisplayName(), nil
}
