// Package identity defines the local user and group records consumed by the
// authentication chain, together with the storage contracts (Store,
// GroupStore) that back them. The authn package treats both contracts as
// opaque collaborators; concrete backends live in the memstore and gormstore
// subpackages.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates no record matched the lookup key.
var ErrNotFound = errors.New("identity: not found")

// ErrDuplicate indicates a unique key (email or net id) is already taken.
var ErrDuplicate = errors.New("identity: duplicate")

// Identity is a local user record. Authentication methods look these up by
// email or net id and install the matching record on the request context on
// success.
type Identity struct {
	ID        uuid.UUID
	Email     string
	NetID     string // external identifier (directory uid, federated subject, ORCID iD)
	FirstName string
	LastName  string
	Phone     string

	// SecretHash is the bcrypt hash of the locally stored secret. Empty means
	// the identity has no local secret and can only authenticate implicitly.
	SecretHash string

	LoginDisabled      bool
	RequireCertificate bool
	SelfRegistered     bool

	LastActive time.Time
}

// Group is a handle to a group record. Special-group grants are expressed as
// Group values; they are contextual and never persisted as memberships by the
// authentication layer itself.
type Group struct {
	ID   uuid.UUID
	Name string
}

// Store is the identity persistence contract.
//
// Lookup methods return ErrNotFound (possibly wrapped) when nothing matches.
// Create runs the provided stamp function inside a single transactional
// boundary: if it returns an error the new record must not become visible to
// subsequent lookups.
type Store interface {
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	FindByNetID(ctx context.Context, netID string) (*Identity, error)

	// Create allocates a new identity, invokes stamp to populate it, and
	// persists it atomically. A non-nil error from stamp aborts the create.
	Create(ctx context.Context, stamp func(*Identity) error) (*Identity, error)

	Update(ctx context.Context, id *Identity) error

	// VerifySecret compares a candidate secret against the stored hash.
	// A false return with nil error means the secret simply did not match.
	VerifySecret(ctx context.Context, id *Identity, secret string) (bool, error)

	// SetSecret hashes and stores a new secret for the identity.
	SetSecret(ctx context.Context, id *Identity, secret string) error

	// TouchLastActive records an authentication timestamp. Best-effort
	// bookkeeping; callers log and ignore failures.
	TouchLastActive(ctx context.Context, id uuid.UUID) error
}

// GroupStore resolves group handles and manages persistent memberships.
type GroupStore interface {
	FindGroupByName(ctx context.Context, name string) (*Group, error)
	AddMember(ctx context.Context, g Group, member uuid.UUID) error
}
