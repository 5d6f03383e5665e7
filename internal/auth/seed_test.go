package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSeedAdmin_GeneratesPassword(t *testing.T) {
	db := testDB(t)
	users := NewUserRepository(db)
	ctx := context.Background()

	password, err := SeedAdmin(ctx, users, "admin", "", discardLogger())
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if len(password) != 2*seedPasswordBytes {
		t.Fatalf("generated password %q has length %d", password, len(password))
	}

	admin, err := users.GetByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("GetByUsername(admin) error = %v", err)
	}
	if admin.Role != RoleAdmin || !admin.IsActive {
		t.Errorf("seed admin = %+v", admin)
	}
	if ok, _ := VerifyPassword(password, admin.PasswordHash); !ok {
		t.Error("generated password does not verify")
	}
}

func TestSeedAdmin_ConfiguredPassword(t *testing.T) {
	db := testDB(t)
	users := NewUserRepository(db)
	ctx := context.Background()

	password, err := SeedAdmin(ctx, users, "acuario", "configured-secret", discardLogger())
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if password != "configured-secret" {
		t.Errorf("password = %q", password)
	}

	admin, err := users.GetByUsername(ctx, "acuario")
	if err != nil {
		t.Fatalf("GetByUsername() error = %v", err)
	}
	if ok, _ := VerifyPassword("configured-secret", admin.PasswordHash); !ok {
		t.Error("configured password does not verify")
	}
}

func TestSeedAdmin_WeakConfiguredPassword(t *testing.T) {
	db := testDB(t)

	_, err := SeedAdmin(context.Background(), NewUserRepository(db), "admin", "123", discardLogger())
	if !errors.Is(err, ErrWeakPassword) {
		t.Errorf("SeedAdmin() error = %v, want ErrWeakPassword", err)
	}
}

func TestSeedAdmin_SkipsWhenUsersExist(t *testing.T) {
	db := testDB(t)
	seedTestUser(t, db, "existing", RoleUser)
	users := NewUserRepository(db)

	password, err := SeedAdmin(context.Background(), users, "admin", "", discardLogger())
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if password != "" {
		t.Errorf("password = %q, want empty", password)
	}
	if n, _ := users.Count(context.Background()); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}
