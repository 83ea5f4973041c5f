// Package gormstore persists identities and groups with GORM. The default
// dialector is the pure-Go sqlite driver, which keeps the store usable in
// tests and small deployments without cgo; any other GORM dialector can be
// supplied through Open.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/openrepo/authstack/identity"
)

type identityModel struct {
	ID                 string `gorm:"primaryKey;size:36"`
	Email              string `gorm:"uniqueIndex;size:254"`
	NetID              string `gorm:"index;size:254"`
	FirstName          string
	LastName           string
	Phone              string
	SecretHash         string
	LoginDisabled      bool
	RequireCertificate bool
	SelfRegistered     bool
	LastActive         time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (identityModel) TableName() string { return "identities" }

type groupModel struct {
	ID   string `gorm:"primaryKey;size:36"`
	Name string `gorm:"uniqueIndex;size:128"`
}

func (groupModel) TableName() string { return "groups" }

type memberModel struct {
	GroupID    string `gorm:"primaryKey;size:36"`
	IdentityID string `gorm:"primaryKey;size:36"`
}

func (memberModel) TableName() string { return "group_members" }

// Store implements identity.Store and identity.GroupStore on a *gorm.DB.
type Store struct {
	db *gorm.DB
}

var _ identity.Store = (*Store)(nil)
var _ identity.GroupStore = (*Store)(nil)

// Open connects with the given dialector and migrates the schema.
func Open(dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("gormstore open: %w", err)
	}
	if err := db.AutoMigrate(&identityModel{}, &groupModel{}, &memberModel{}); err != nil {
		return nil, fmt.Errorf("gormstore migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenSQLite opens a sqlite-backed store at the given DSN
// (e.g. "repo.db" or "file::memory:?cache=shared").
func OpenSQLite(dsn string) (*Store, error) {
	return Open(sqlite.Open(dsn))
}

func toIdentity(m *identityModel) *identity.Identity {
	uid, _ := uuid.Parse(m.ID)
	return &identity.Identity{
		ID:                 uid,
		Email:              m.Email,
		NetID:              m.NetID,
		FirstName:          m.FirstName,
		LastName:           m.LastName,
		Phone:              m.Phone,
		SecretHash:         m.SecretHash,
		LoginDisabled:      m.LoginDisabled,
		RequireCertificate: m.RequireCertificate,
		SelfRegistered:     m.SelfRegistered,
		LastActive:         m.LastActive,
	}
}

func fromIdentity(id *identity.Identity) *identityModel {
	return &identityModel{
		ID:                 id.ID.String(),
		Email:              strings.ToLower(id.Email),
		NetID:              id.NetID,
		FirstName:          id.FirstName,
		LastName:           id.LastName,
		Phone:              id.Phone,
		SecretHash:         id.SecretHash,
		LoginDisabled:      id.LoginDisabled,
		RequireCertificate: id.RequireCertificate,
		SelfRegistered:     id.SelfRegistered,
		LastActive:         id.LastActive,
	}
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*identity.Identity, error) {
	if email == "" {
		return nil, identity.ErrNotFound
	}
	var m identityModel
	err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toIdentity(&m), nil
}

func (s *Store) FindByNetID(ctx context.Context, netID string) (*identity.Identity, error) {
	if netID == "" {
		return nil, identity.ErrNotFound
	}
	var m identityModel
	err := s.db.WithContext(ctx).Where("net_id = ?", netID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toIdentity(&m), nil
}

// Create allocates, stamps, and inserts a record inside one transaction so a
// failing stamp hook leaves nothing behind.
func (s *Store) Create(ctx context.Context, stamp func(*identity.Identity) error) (*identity.Identity, error) {
	rec := &identity.Identity{ID: uuid.New()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := stamp(rec); err != nil {
			return err
		}
		return tx.Create(fromIdentity(rec)).Error
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, id *identity.Identity) error {
	res := s.db.WithContext(ctx).Model(&identityModel{ID: id.ID.String()}).
		Select("*").Omit("id", "created_at").Updates(fromIdentity(id))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *Store) VerifySecret(ctx context.Context, id *identity.Identity, secret string) (bool, error) {
	var m identityModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id.ID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, identity.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if m.SecretHash == "" {
		return false, nil
	}
	cmpErr := bcrypt.CompareHashAndPassword([]byte(m.SecretHash), []byte(secret))
	if cmpErr == bcrypt.ErrMismatchedHashAndPassword {
		return false, nil
	}
	if cmpErr != nil {
		return false, cmpErr
	}
	return true, nil
}

func (s *Store) SetSecret(ctx context.Context, id *identity.Identity, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&identityModel{}).
		Where("id = ?", id.ID.String()).Update("secret_hash", string(hash))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return identity.ErrNotFound
	}
	id.SecretHash = string(hash)
	return nil
}

func (s *Store) TouchLastActive(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&identityModel{}).
		Where("id = ?", id.String()).Update("last_active", time.Now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// --- GroupStore ---

// EnsureGroup creates the named group if it does not exist and returns its
// handle. Used by composition roots that declare groups in configuration.
func (s *Store) EnsureGroup(ctx context.Context, name string) (identity.Group, error) {
	g, err := s.FindGroupByName(ctx, name)
	if err == nil {
		return *g, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return identity.Group{}, err
	}
	m := groupModel{ID: uuid.NewString(), Name: name}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return identity.Group{}, err
	}
	uid, _ := uuid.Parse(m.ID)
	return identity.Group{ID: uid, Name: name}, nil
}

func (s *Store) FindGroupByName(ctx context.Context, name string) (*identity.Group, error) {
	var m groupModel
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	uid, _ := uuid.Parse(m.ID)
	return &identity.Group{ID: uid, Name: m.Name}, nil
}

func (s *Store) AddMember(ctx context.Context, g identity.Group, member uuid.UUID) error {
	m := memberModel{GroupID: g.ID.String(), IdentityID: member.String()}
	err := s.db.WithContext(ctx).Create(&m).Error
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return nil // already a member
	}
	return err
}
