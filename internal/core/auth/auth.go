// Package auth validates credentials presented over the service socket
// against the account store.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/privd/privd/internal/core/data"
)

var (
	ErrUnknown            = errors.New("an unexpected error occurred, please contact your administrator")
	ErrInvalidCredentials = errors.New("username/password combination not found")
	ErrAccountDisabled    = errors.New("this account has been disabled")
)

// VerifyAccount checks the accounts table for the specified credentials
// combination and validates that the account is accessible.
func VerifyAccount(db *gorm.DB, username, password string) (*data.Account, error) {
	account, err := data.FindAccountByUsername(db, username)
	if err != nil {
		return nil, ErrUnknown
	}

	if account == nil || account.Password != HashPassword(password) {
		return nil, ErrInvalidCredentials
	} else if !account.Active {
		return nil, ErrAccountDisabled
	}

	return account, nil
}

// CreateAccount takes the specified credentials and creates a new record in
// the database, returning either the result or any errors encountered.
func CreateAccount(db *gorm.DB, username, password string, admin bool) (*data.Account, error) {
	account := &data.Account{
		Username:         username,
		Password:         HashPassword(password),
		RegistrationDate: time.Now(),
		Admin:            admin,
		Active:           true,
	}

	if err := data.CreateAccount(db, account); err != nil {
		return nil, err
	}

	return account, nil
}

// HashPassword returns a version of password with privd's chosen hashing
// strategy.
func HashPassword(password string) string {
	hash := sha256.Sum256([]byte(password))
	return hex.EncodeToString(hash[:])
}
