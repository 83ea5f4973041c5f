// Package memstore provides an in-memory identity.Store and
// identity.GroupStore. It is intended for tests and single-process
// development setups; records do not survive a restart.
package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/openrepo/authstack/identity"
)

// Store is a mutex-guarded in-memory identity store.
type Store struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*identity.Identity
	groups  map[string]*identity.Group
	members map[uuid.UUID][]uuid.UUID // group -> member ids
}

var _ identity.Store = (*Store)(nil)
var _ identity.GroupStore = (*Store)(nil)

func New() *Store {
	return &Store{
		byID:    make(map[uuid.UUID]*identity.Identity),
		groups:  make(map[string]*identity.Group),
		members: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*identity.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.byID {
		if strings.EqualFold(id.Email, email) && email != "" {
			cp := *id
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (s *Store) FindByNetID(ctx context.Context, netID string) (*identity.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.byID {
		if strings.EqualFold(id.NetID, netID) && netID != "" {
			cp := *id
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (s *Store) Create(ctx context.Context, stamp func(*identity.Identity) error) (*identity.Identity, error) {
	rec := &identity.Identity{ID: uuid.New()}
	if err := stamp(rec); err != nil {
		// Nothing was inserted; the failed record is simply discarded.
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.byID {
		if rec.Email != "" && strings.EqualFold(other.Email, rec.Email) {
			return nil, fmt.Errorf("email %q: %w", rec.Email, identity.ErrDuplicate)
		}
		if rec.NetID != "" && strings.EqualFold(other.NetID, rec.NetID) {
			return nil, fmt.Errorf("netid %q: %w", rec.NetID, identity.ErrDuplicate)
		}
	}
	cp := *rec
	s.byID[rec.ID] = &cp
	out := *rec
	return &out, nil
}

func (s *Store) Update(ctx context.Context, id *identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id.ID]; !ok {
		return identity.ErrNotFound
	}
	cp := *id
	s.byID[id.ID] = &cp
	return nil
}

func (s *Store) VerifySecret(ctx context.Context, id *identity.Identity, secret string) (bool, error) {
	s.mu.RLock()
	rec, ok := s.byID[id.ID]
	s.mu.RUnlock()
	if !ok {
		return false, identity.ErrNotFound
	}
	if rec.SecretHash == "" {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(rec.SecretHash), []byte(secret))
	if err == bcrypt.ErrMismatchedHashAndPassword {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) SetSecret(ctx context.Context, id *identity.Identity, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id.ID]
	if !ok {
		return identity.ErrNotFound
	}
	rec.SecretHash = string(hash)
	id.SecretHash = string(hash)
	return nil
}

func (s *Store) TouchLastActive(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return identity.ErrNotFound
	}
	rec.LastActive = time.Now()
	return nil
}

// --- GroupStore ---

// AddGroup registers a group handle. Test/seed helper.
func (s *Store) AddGroup(name string) identity.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(name)
	if g, ok := s.groups[key]; ok {
		return *g
	}
	g := &identity.Group{ID: uuid.New(), Name: name}
	s.groups[key] = g
	return *g
}

func (s *Store) FindGroupByName(ctx context.Context, name string) (*identity.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[strings.ToLower(name)]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *Store) AddMember(ctx context.Context, g identity.Group, member uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[strings.ToLower(g.Name)]; !ok {
		return identity.ErrNotFound
	}
	for _, m := range s.members[g.ID] {
		if m == member {
			return nil
		}
	}
	s.members[g.ID] = append(s.members[g.ID], member)
	return nil
}

// Members returns the persistent membership list for a group. Test helper.
func (s *Store) Members(g identity.Group) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uuid.UUID(nil), s.members[g.ID]...)
}
