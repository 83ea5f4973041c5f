package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/openrepo/authstack/identity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	return s
}

func TestCreateAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, func(rec *identity.Identity) error {
		rec.Email = "User@Example.org"
		rec.NetID = "u100"
		rec.FirstName = "Uta"
		rec.LastName = "Tester"
		return nil
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	byEmail, err := s.FindByEmail(ctx, "user@example.org")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if byEmail.ID != id.ID || byEmail.LastName != "Tester" {
		t.Errorf("email lookup = %+v", byEmail)
	}

	byNetID, err := s.FindByNetID(ctx, "u100")
	if err != nil {
		t.Fatalf("FindByNetID: %v", err)
	}
	if byNetID.ID != id.ID {
		t.Errorf("netid lookup = %v, want %v", byNetID.ID, id.ID)
	}

	if _, err := s.FindByEmail(ctx, "nobody@example.org"); !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("missing email err = %v, want ErrNotFound", err)
	}
}

func TestCreateRollsBackOnStampFailure(t *testing.T) {
	s := openTestStore(t)
	boom := errors.New("init hook failed")
	_, err := s.Create(context.Background(), func(rec *identity.Identity) error {
		rec.Email = "ghost@example.org"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Create err = %v, want the stamp failure", err)
	}
	if _, err := s.FindByEmail(context.Background(), "ghost@example.org"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("identity visible after rolled-back create: %v", err)
	}
}

func TestUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, func(rec *identity.Identity) error {
		rec.Email = "link@example.org"
		return nil
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	id.NetID = "linked-netid"
	if err := s.Update(ctx, id); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.FindByNetID(ctx, "linked-netid")
	if err != nil {
		t.Fatalf("FindByNetID after update: %v", err)
	}
	if got.Email != "link@example.org" {
		t.Errorf("updated record = %+v", got)
	}
}

func TestSecretRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, func(rec *identity.Identity) error {
		rec.Email = "pw@example.org"
		return nil
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.SetSecret(ctx, id, "opensesame"); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}
	if ok, err := s.VerifySecret(ctx, id, "opensesame"); err != nil || !ok {
		t.Fatalf("VerifySecret(correct) = (%v, %v)", ok, err)
	}
	if ok, err := s.VerifySecret(ctx, id, "wrong"); err != nil || ok {
		t.Fatalf("VerifySecret(wrong) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestTouchLastActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, func(rec *identity.Identity) error {
		rec.Email = "active@example.org"
		return nil
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.TouchLastActive(ctx, id.ID); err != nil {
		t.Fatalf("TouchLastActive: %v", err)
	}
	got, _ := s.FindByEmail(ctx, "active@example.org")
	if got.LastActive.IsZero() {
		t.Error("LastActive still zero after touch")
	}
}

func TestGroups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g, err := s.EnsureGroup(ctx, "curators")
	if err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	again, err := s.EnsureGroup(ctx, "curators")
	if err != nil {
		t.Fatalf("EnsureGroup twice: %v", err)
	}
	if again.ID != g.ID {
		t.Errorf("EnsureGroup returned a new group: %v vs %v", again.ID, g.ID)
	}

	id, err := s.Create(ctx, func(rec *identity.Identity) error {
		rec.Email = "member@example.org"
		return nil
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.AddMember(ctx, g, id.ID); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := s.AddMember(ctx, g, id.ID); err != nil {
		t.Fatalf("AddMember twice: %v", err)
	}
}
