// Package credential verifies presented secrets against stored bcrypt
// hashes. Verification is a pure check: all state changes belong to the
// callers, and the presented secret is never logged.
package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"sync"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"

	"github.com/quartzerp/identity-core/internal/metrics"
)

const (
	// MinPasswordLength is the minimum required password length
	MinPasswordLength = 8
	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
)

// Result classifies the outcome of a credential check.
type Result int

const (
	// Mismatch means the presented secret does not match the stored hash.
	Mismatch Result = iota
	// Match means the presented secret matches the stored hash.
	Match
)

// Verifier performs bcrypt hashing and verification. The hash work is
// CPU-bound, so it runs behind a weighted semaphore sized to the machine
// rather than letting a login burst saturate every scheduler thread.
type Verifier struct {
	workers *semaphore.Weighted
}

// NewVerifier creates a Verifier with a worker budget. maxConcurrent <= 0
// defaults to GOMAXPROCS.
func NewVerifier(maxConcurrent int) *Verifier {
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.GOMAXPROCS(0)
	}
	return &Verifier{workers: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Verify compares a presented secret against a stored bcrypt hash.
// bcrypt's comparison is constant-time over the derived key. The only
// error returned is a context cancellation while waiting for a worker
// slot; a malformed stored hash is reported as Mismatch.
func (v *Verifier) Verify(ctx context.Context, storedHash, presentedSecret string) (Result, error) {
	if err := v.workers.Acquire(ctx, 1); err != nil {
		return Mismatch, err
	}
	defer v.workers.Release(1)

	start := time.Now()
	err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(presentedSecret))
	metrics.CredentialCheckDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		return Mismatch, nil
	}
	return Match, nil
}

var (
	decoyOnce sync.Once
	decoyHash string
)

// DecoyHash returns a bcrypt hash of a random throwaway secret, minted
// once per process. Lookup misses verify the presented password against
// it so the unknown-account path costs the same hash work as a real
// mismatch and response timing does not reveal whether an account
// exists.
func DecoyHash() string {
	decoyOnce.Do(func() {
		secret := make([]byte, 24)
		if _, err := rand.Read(secret); err != nil {
			panic(err)
		}
		h, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(secret)), BcryptCost)
		if err != nil {
			panic(err)
		}
		decoyHash = string(h)
	})
	return decoyHash
}

// Hash creates a bcrypt hash of the secret with the configured cost.
func (v *Verifier) Hash(ctx context.Context, secret string) (string, error) {
	if err := v.workers.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer v.workers.Release(1)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ValidationError represents a specific password validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidatePassword checks a new password against complexity requirements.
// Returns a list of validation errors (empty if the password is valid).
func ValidatePassword(password string) []ValidationError {
	var errors []ValidationError

	if len(password) < MinPasswordLength {
		errors = append(errors, ValidationError{
			Field:   "password",
			Message: "Password must be at least 8 characters long",
		})
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsDigit(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	if !hasUpper {
		errors = append(errors, ValidationError{
			Field:   "password",
			Message: "Password must contain at least one uppercase letter",
		})
	}
	if !hasLower {
		errors = append(errors, ValidationError{
			Field:   "password",
			Message: "Password must contain at least one lowercase letter",
		})
	}
	if !hasNumber {
		errors = append(errors, ValidationError{
			Field:   "password",
			Message: "Password must contain at least one number",
		})
	}
	if !hasSpecial {
		errors = append(errors, ValidationError{
			Field:   "password",
			Message: "Password must contain at least one special character",
		})
	}

	return errors
}
