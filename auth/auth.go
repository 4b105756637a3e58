package auth

import (
	"context"
	"errors"
)

var ErrIdentityUnavailable = errors.New("auth: identity unavailable")

// Identity of the local actor. Either field may be empty for a partially known identity.
type Identity struct {
	ID          string
	DisplayName string
}

func (i *Identity) empty() bool {
	return i == nil || (i.ID == "" && i.DisplayName == "")
}

// Source provides one candidate identity of the local actor.
type Source interface {
	// Name is used in logs.
	Name() string

	// Identity returns nil (and no error) when the source has nothing to say.
	Identity(ctx context.Context) (*Identity, error)
}

// ProfileStore persists the last resolved identity, see `store.ProfileCache`.
type ProfileStore interface {
	LoadProfile() (id, name string, ok bool)
	SaveProfile(id, name string) error
}
