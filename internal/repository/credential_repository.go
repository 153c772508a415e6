package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Credential repository errors
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExists   = errors.New("credential already exists")
)

// CredentialRepository defines the interface for credential data access.
type CredentialRepository interface {
	Create(ctx context.Context, cred *Credential) error
	GetByRef(ctx context.Context, credentialRef string) (*Credential, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) (*Credential, error)
	UpdatePasswordHash(ctx context.Context, userID uuid.UUID, passwordHash string) error
	SetTOTPSecret(ctx context.Context, userID uuid.UUID, secret *string) error
}

// credentialRepository implements CredentialRepository using PostgreSQL
type credentialRepository struct {
	pool *pgxpool.Pool
}

// NewCredentialRepository creates a new CredentialRepository instance
func NewCredentialRepository(pool *pgxpool.Pool) CredentialRepository {
	return &credentialRepository{pool: pool}
}

// Create inserts credential material for a new identity.
func (r *credentialRepository) Create(ctx context.Context, cred *Credential) error {
	query := `
		INSERT INTO credentials (user_id, credential_ref, password_hash, totp_secret)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		cred.UserID,
		cred.CredentialRef,
		cred.PasswordHash,
		cred.TOTPSecret,
	).Scan(&cred.CreatedAt, &cred.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrCredentialExists
		}
		return err
	}

	return nil
}

// GetByRef retrieves a credential by its opaque login reference.
func (r *credentialRepository) GetByRef(ctx context.Context, credentialRef string) (*Credential, error) {
	query := `
		SELECT user_id, credential_ref, password_hash, totp_secret, created_at, updated_at
		FROM credentials
		WHERE credential_ref = $1
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, credentialRef))
}

// GetByUserID retrieves a credential by the identity it belongs to.
func (r *credentialRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (*Credential, error) {
	query := `
		SELECT user_id, credential_ref, password_hash, totp_secret, created_at, updated_at
		FROM credentials
		WHERE user_id = $1
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, userID))
}

// UpdatePasswordHash replaces the stored password hash.
func (r *credentialRepository) UpdatePasswordHash(ctx context.Context, userID uuid.UUID, passwordHash string) error {
	query := `
		UPDATE credentials
		SET password_hash = $2, updated_at = now()
		WHERE user_id = $1
	`

	result, err := r.pool.Exec(ctx, query, userID, passwordHash)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// SetTOTPSecret stores or clears the TOTP enrollment secret.
func (r *credentialRepository) SetTOTPSecret(ctx context.Context, userID uuid.UUID, secret *string) error {
	query := `
		UPDATE credentials
		SET totp_secret = $2, updated_at = now()
		WHERE user_id = $1
	`

	result, err := r.pool.Exec(ctx, query, userID, secret)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (r *credentialRepository) scanOne(row pgx.Row) (*Credential, error) {
	cred := &Credential{}
	err := row.Scan(
		&cred.UserID,
		&cred.CredentialRef,
		&cred.PasswordHash,
		&cred.TOTPSecret,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return cred, nil
}
