package domain

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Domain errors
var (
	ErrValidation        = errors.New("validation error")
	ErrInvalidIdentity   = fmt.Errorf("%w: malformed player identity", ErrValidation)
	ErrInvalidLives      = fmt.Errorf("%w: lives out of range", ErrValidation)
	ErrMissingSessionID  = fmt.Errorf("%w: session id is required", ErrValidation)
	ErrInvalidEvent      = fmt.Errorf("%w: invalid session event", ErrValidation)
	ErrInvalidAmount     = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidState      = errors.New("invalid state")
	ErrNotFound          = errors.New("record not found")
	ErrStaleSession      = errors.New("session is not active")
	ErrAntiCheatRejected = errors.New("session rejected by anti-cheat")
	ErrSyncFailure       = errors.New("ledger sync failed")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrPlayerBanned      = errors.New("player is banned")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInternalError     = errors.New("internal server error")
)

// MaxIdentityLength matches the width of the identity columns in the stores.
const MaxIdentityLength = 255

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError reports whether err was rejected before any state mutation.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// ValidateIdentity rejects empty, oversized, or whitespace-bearing identities.
func ValidateIdentity(identity string) error {
	if identity == "" || len(identity) > MaxIdentityLength {
		return ErrInvalidIdentity
	}
	if strings.IndexFunc(identity, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0 {
		return ErrInvalidIdentity
	}
	return nil
}
