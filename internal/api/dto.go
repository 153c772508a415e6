package api

import (
	"github.com/go-playground/validator/v10"
)

// Validator instance for request validation
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	CredentialRef string `json:"credential_ref" validate:"required,max=255"`
	Password      string `json:"password" validate:"required,max=512"`
	MFACode       string `json:"mfa_code,omitempty" validate:"omitempty,len=6,numeric"`
}

// RefreshRequest is the body of POST /auth/refresh
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// CreateAccountRequest is the body of POST /auth/accounts
type CreateAccountRequest struct {
	CredentialRef string `json:"credential_ref" validate:"required,max=255"`
	Password      string `json:"password" validate:"required,max=512"`
}

// ChangePasswordRequest is the body of POST /auth/password
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=512"`
	NewPassword     string `json:"new_password" validate:"required,max=512"`
}

// ActivateMFARequest is the body of POST /auth/mfa/activate
type ActivateMFARequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// validationDetails flattens validator errors into the response shape.
func validationDetails(err error) map[string][]string {
	details := make(map[string][]string)
	if errs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range errs {
			field := fe.Field()
			details[field] = append(details[field], "failed on "+fe.Tag()+" constraint")
		}
	}
	if len(details) == 0 {
		return nil
	}
	return details
}
