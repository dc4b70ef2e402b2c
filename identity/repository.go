package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errors.New("identity: user not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("identity: email already exists")
)

// Repository handles data access for accounts.
type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
	SetVerified(ctx context.Context, userID string, verified bool) (User, error)
}

// CreateUserParams contains write parameters for creating users.
type CreateUserParams struct {
	Email        string
	FullName     string
	PasswordHash string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed identity repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id, email, full_name, password_hash, verified, created_at, updated_at`

// CreateUser inserts a new user with hashed password.
func (r *PGRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	const insertSQL = `
		INSERT INTO users (email, full_name, password_hash)
		VALUES ($1, $2, $3)
		RETURNING ` + userColumns

	user, err := scanUser(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("identity: create user: %w", err)
	}

	return user, nil
}

// GetUserByEmail retrieves a user by email address.
func (r *PGRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("identity: get user by email: %w", err)
	}

	return user, nil
}

// GetUserByID retrieves a user by ID.
func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("identity: get user by id: %w", err)
	}

	return user, nil
}

// SetVerified flips the verification flag after an out-of-band KYC check.
func (r *PGRepository) SetVerified(ctx context.Context, userID string, verified bool) (User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, `
		UPDATE users SET verified = $2, updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING `+userColumns, userID, verified))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("identity: set verified: %w", err)
	}

	return user, nil
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.FullName,
		&user.PasswordHash,
		&user.Verified,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}
