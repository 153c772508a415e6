// Package mfa wraps TOTP enrollment and verification.
package mfa

import (
	"errors"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var (
	ErrInvalidCode = errors.New("invalid mfa code")
)

// timeNow is swapped out in tests.
var timeNow = time.Now

// Enrollment is the material returned to a user enrolling in MFA. The
// secret is stored server-side; the URL is rendered as a QR code by the
// client.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// TOTP issues and verifies time-based one-time passwords.
type TOTP struct {
	issuer string
}

// NewTOTP creates a TOTP service. The issuer labels generated keys in
// authenticator apps.
func NewTOTP(issuer string) *TOTP {
	return &TOTP{issuer: issuer}
}

// GenerateEnrollment mints a fresh TOTP secret for the account.
func (t *TOTP) GenerateEnrollment(accountName string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// Verify checks a six-digit code against the stored secret. It accepts
// one time step of clock skew in either direction.
func (t *TOTP) Verify(secret, code string) error {
	ok, err := totp.ValidateCustom(code, secret, timeNow(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return ErrInvalidCode
	}
	if !ok {
		return ErrInvalidCode
	}
	return nil
}
