package auth

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/privd/privd/internal/core/data"
)

func setUpDatabase(t *testing.T) *gorm.DB {
	testDBFile := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(testDBFile))
	if err != nil {
		t.Fatalf("error initializing test database: %s", err)
	}

	if err = db.AutoMigrate(&data.Account{}); err != nil {
		t.Fatalf("error auto migrating db: %s", err)
	}
	return db
}

func TestCreateAccount(t *testing.T) {
	db := setUpDatabase(t)

	account, err := CreateAccount(db, "skeeve", "hunter2", true)
	if err != nil {
		t.Fatalf("CreateAccount() returned error: %s", err)
	}

	if account.Username != "skeeve" {
		t.Errorf("expected account username = skeeve, got = %s", account.Username)
	}
	if account.Password != HashPassword("hunter2") {
		t.Error("expected account password to equal hashed password")
	}
	if !account.Admin {
		t.Error("expected account to be an admin")
	}
	if !account.Active {
		t.Error("expected account to be active")
	}

	if _, err := CreateAccount(db, "skeeve", "other", false); err == nil {
		t.Error("expected duplicate username to be rejected")
	}
}

func TestHashPassword(t *testing.T) {
	password := "password"
	hashed := HashPassword(password)

	if password == hashed {
		t.Fatal("expected hashed password not to equal password")
	}

	for i := 0; i < 10; i++ {
		if h := HashPassword(password); hashed != h {
			t.Fatalf("password hashing is non-deterministic (expected %s, got %s)", hashed, h)
		}
	}
}

func TestVerifyAccount(t *testing.T) {
	tests := map[string]struct {
		setup     func(t *testing.T, db *gorm.DB)
		username  string
		password  string
		wantedErr error
	}{
		"happy_path": {
			setup: func(t *testing.T, db *gorm.DB) {
				if _, err := CreateAccount(db, "skeeve", "hunter2", false); err != nil {
					t.Fatal(err)
				}
			},
			username: "skeeve",
			password: "hunter2",
		},
		"unknown_username": {
			setup:     func(t *testing.T, db *gorm.DB) {},
			username:  "nobody",
			password:  "hunter2",
			wantedErr: ErrInvalidCredentials,
		},
		"wrong_password": {
			setup: func(t *testing.T, db *gorm.DB) {
				if _, err := CreateAccount(db, "skeeve", "hunter2", false); err != nil {
					t.Fatal(err)
				}
			},
			username:  "skeeve",
			password:  "letmein",
			wantedErr: ErrInvalidCredentials,
		},
		"disabled_account": {
			setup: func(t *testing.T, db *gorm.DB) {
				account, err := CreateAccount(db, "skeeve", "hunter2", false)
				if err != nil {
					t.Fatal(err)
				}
				if err := db.Model(account).Update("active", false).Error; err != nil {
					t.Fatal(err)
				}
			},
			username:  "skeeve",
			password:  "hunter2",
			wantedErr: ErrAccountDisabled,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			db := setUpDatabase(t)
			tt.setup(t, db)

			account, err := VerifyAccount(db, tt.username, tt.password)
			if !errors.Is(err, tt.wantedErr) {
				t.Fatalf("VerifyAccount() error = %v, want = %v", err, tt.wantedErr)
			}
			if tt.wantedErr == nil && account == nil {
				t.Error("VerifyAccount() returned no account on success")
			}
		})
	}
}
