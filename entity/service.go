package entity

import (
	"context"
	"errors"
	"strings"

	"disputeflow/fault"
)

// ProfileReader abstracts directory lookups for the service.
type ProfileReader interface {
	GetByName(ctx context.Context, name string) (Profile, error)
	List(ctx context.Context, kind Type, limit int) ([]Profile, error)
}

// Service exposes directory operations.
type Service struct {
	repo ProfileReader
}

func NewService(repo ProfileReader) *Service {
	return &Service{repo: repo}
}

// List returns up to limit profiles, optionally restricted to one type.
func (s *Service) List(ctx context.Context, kind Type, limit int) ([]Profile, error) {
	return s.repo.List(ctx, kind, limit)
}

// Resolve validates a caller-declared entity. Known entities keep their
// directory type; unknown ones are accepted with the declared type.
func (s *Service) Resolve(ctx context.Context, name, declared string) (Profile, error) {
	if strings.TrimSpace(name) == "" {
		return Profile{}, fault.New(fault.InvalidInput, "entity name is required")
	}
	known, err := s.repo.GetByName(ctx, name)
	if err == nil {
		return known, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Profile{}, err
	}
	kind, ok := ParseType(declared)
	if !ok {
		return Profile{}, fault.New(fault.InvalidInput, "unknown entity type %q", declared)
	}
	return Profile{Name: strings.TrimSpace(name), Type: kind}, nil
}

// IsBureau reports whether the named entity is a credit bureau, falling back
// to the declared type for entities outside the directory.
func (s *Service) IsBureau(ctx context.Context, name, declared string) (bool, error) {
	p, err := s.Resolve(ctx, name, declared)
	if err != nil {
		return false, err
	}
	return p.Type == TypeBureau, nil
}
