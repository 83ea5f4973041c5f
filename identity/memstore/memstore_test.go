package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/openrepo/authstack/identity"
)

func TestCreateAndLookup(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Create(ctx, func(rec *identity.Identity) error {
		rec.Email = "User@Example.org"
		rec.NetID = "user1"
		rec.FirstName = "Uta"
		return nil
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	byEmail, err := s.FindByEmail(ctx, "user@example.org")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if byEmail.ID != id.ID {
		t.Errorf("email lookup returned %v, want %v", byEmail.ID, id.ID)
	}

	byNetID, err := s.FindByNetID(ctx, "user1")
	if err != nil {
		t.Fatalf("FindByNetID: %v", err)
	}
	if byNetID.ID != id.ID {
		t.Errorf("netid lookup returned %v, want %v", byNetID.ID, id.ID)
	}

	if _, err := s.FindByEmail(ctx, "nobody@example.org"); !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("missing email: err = %v, want ErrNotFound", err)
	}
	if _, err := s.FindByEmail(ctx, ""); !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("empty email: err = %v, want ErrNotFound", err)
	}
}

func TestCreateRollsBackOnStampFailure(t *testing.T) {
	s := New()
	boom := errors.New("stamp failed")
	_, err := s.Create(context.Background(), func(rec *identity.Identity) error {
		rec.Email = "ghost@example.org"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Create err = %v, want the stamp failure", err)
	}
	if _, err := s.FindByEmail(context.Background(), "ghost@example.org"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("partially created identity visible after failed stamp: %v", err)
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	s := New()
	ctx := context.Background()
	stamp := func(rec *identity.Identity) error {
		rec.Email = "dup@example.org"
		return nil
	}
	if _, err := s.Create(ctx, stamp); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.Create(ctx, stamp); !errors.Is(err, identity.ErrDuplicate) {
		t.Fatalf("duplicate create err = %v, want ErrDuplicate", err)
	}
}

func TestSecretRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	id, err := s.Create(ctx, func(rec *identity.Identity) error {
		rec.Email = "pw@example.org"
		return nil
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := s.VerifySecret(ctx, id, "anything")
	if err != nil || ok {
		t.Fatalf("VerifySecret with no secret = (%v, %v), want (false, nil)", ok, err)
	}

	if err := s.SetSecret(ctx, id, "s3cret"); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}
	if ok, err := s.VerifySecret(ctx, id, "s3cret"); err != nil || !ok {
		t.Fatalf("VerifySecret(correct) = (%v, %v)", ok, err)
	}
	if ok, err := s.VerifySecret(ctx, id, "wrong"); err != nil || ok {
		t.Fatalf("VerifySecret(wrong) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestTouchLastActive(t *testing.T) {
	s := New()
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
	s := New()
	ctx := context.Background()
	g := s.AddGroup("reviewers")

	found, err := s.FindGroupByName(ctx, "Reviewers")
	if err != nil {
		t.Fatalf("FindGroupByName: %v", err)
	}
	if found.ID != g.ID {
		t.Errorf("group lookup = %v, want %v", found.ID, g.ID)
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
	if got := s.Members(g); len(got) != 1 {
		t.Errorf("members = %v, want exactly one entry", got)
	}
}
