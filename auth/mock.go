package auth

import (
	"context"
)

// MockSource always answers the same identity, or Err when set.
type MockSource struct {
	Source
	ID  *Identity
	Err error
}

func (s *MockSource) Name() string { return "mock" }

func (s *MockSource) Identity(ctx context.Context) (*Identity, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.ID == nil {
		return nil, nil
	}
	c := *s.ID
	return &c, nil
}
