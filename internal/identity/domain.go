// Package identity implements the re-authentication gate required before
// destructive ledger transitions (close, reopen, cancel). The wider identity
// surface — login, sessions, invitations, membership — is owned elsewhere;
// this package only answers "is this really the current user".
package identity

import "errors"

// User is the subset of the user record the gate needs.
type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	IsActive     bool
}

var (
	// ErrReauthFailed indicates the password challenge failed.
	ErrReauthFailed = errors.New("identity: re-authentication failed")
	// ErrReauthLocked indicates too many failed challenges in the window.
	ErrReauthLocked = errors.New("identity: re-authentication locked")
	// ErrUserNotFound indicates the user record is missing.
	ErrUserNotFound = errors.New("identity: user not found")
)
