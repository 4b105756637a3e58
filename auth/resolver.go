package auth

import (
	"context"

	"github.com/golang/glog"
)

// Resolver determines the local actor from prioritized sources, any subset of which
// may be stale or absent. "Unknown" is a valid outcome.
type Resolver struct {
	sources []Source
	profile ProfileStore
}

// NewResolver creates a resolver. Sources are consulted in the given order. When
// profile is not nil, identities resolved from other sources warm it.
func NewResolver(profile ProfileStore, sources ...Source) *Resolver {
	return &Resolver{
		sources: sources,
		profile: profile,
	}
}

// candidates returns every identity the sources know, in priority order, deduplicated.
func (r *Resolver) candidates(ctx context.Context) []*Identity {
	var out []*Identity
	seen := make(map[Identity]struct{})
	for _, s := range r.sources {
		id, err := s.Identity(ctx)
		if err != nil {
			glog.V(5).Infof("auth: source %s error: %v", s.Name(), err)
			continue
		}
		if id.empty() {
			continue
		}
		if _, ok := seen[*id]; ok {
			continue
		}
		seen[*id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ResolveSelf returns the first confident identity: the first candidate carrying an
// id, merged with the first known display name. ErrIdentityUnavailable if no source
// resolves an id.
func (r *Resolver) ResolveSelf(ctx context.Context) (*Identity, error) {
	var self Identity
	for _, c := range r.candidates(ctx) {
		if self.ID == "" && c.ID != "" {
			self.ID = c.ID
			if c.DisplayName != "" {
				self.DisplayName = c.DisplayName
			}
		}
		if self.DisplayName == "" {
			self.DisplayName = c.DisplayName
		}
	}
	if self.ID == "" {
		return nil, ErrIdentityUnavailable
	}

	if r.profile != nil {
		if id, name, ok := r.profile.LoadProfile(); !ok || id != self.ID || name != self.DisplayName {
			if err := r.profile.SaveProfile(self.ID, self.DisplayName); err != nil {
				glog.Errorf("auth: warm profile cache error: %v", err)
			}
		}
	}
	return &self, nil
}

// IsMine decides whether a message was authored by the local actor.
//
// A sender id, when given, is compared against candidate ids first. If the sender id
// is absent, or no candidate has an id to compare with, the display name is matched
// exactly (case-sensitive) against every candidate. With no candidates at all the
// answer is always false.
func (r *Resolver) IsMine(ctx context.Context, senderID, senderName string) bool {
	cands := r.candidates(ctx)
	if len(cands) == 0 {
		return false
	}

	if senderID != "" {
		var comparable bool
		for _, c := range cands {
			if c.ID == "" {
				continue
			}
			comparable = true
			if c.ID == senderID {
				return true
			}
		}
		if comparable {
			return false
		}
	}

	if senderName == "" {
		return false
	}
	for _, c := range cands {
		if c.DisplayName != "" && c.DisplayName == senderName {
			return true
		}
	}
	return false
}
