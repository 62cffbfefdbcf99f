package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"account_service/internal/logger"
	"account_service/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateKey is returned when a write violates the unique username or email constraint.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound is returned when an update or delete matched no rows.
	ErrNotFound = errors.New("record not found")
)

const uniqueViolation = "23505"

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// UserRepository defines operations for account data. Finders return
// (nil, nil) when no account matches.
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByUsernameOrEmail(ctx context.Context, identifier string) (*model.User, error)
	FindByResetToken(ctx context.Context, tokenHash string) (*model.User, error)
	ExistsByEmailOrUsername(ctx context.Context, email, username string) (bool, error)
	FindAll(ctx context.Context) ([]model.User, error)
	UpdateProfile(ctx context.Context, user *model.User) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	UpdateAvatar(ctx context.Context, id uuid.UUID, avatar string) error
	SetResetToken(ctx context.Context, id uuid.UUID, tokenHash string, expires time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	// AddPendingAvatar records an upload that belongs to a registration not yet
	// activated. It is swept after expires unless claimed first.
	AddPendingAvatar(ctx context.Context, ref string, expires time.Time) error
	// ClaimPendingAvatar removes the pending record for ref. It returns
	// ErrNotFound when the upload was never recorded or was already swept.
	ClaimPendingAvatar(ctx context.Context, ref string) error
	// TakeExpiredPendingAvatars deletes up to limit pending records that
	// expired before the given time and returns their references.
	TakeExpiredPendingAvatars(ctx context.Context, before time.Time, limit int) ([]string, error)
	// WithTx runs fn against a repository bound to a single transaction.
	// The transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(repo UserRepository) error) error
}

type userRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db DBTX) UserRepository {
	return &userRepository{db: db}
}

const userColumns = `id::text, name, username, email, password_hash, phone_number, role, avatar, created_at, reset_password_token, reset_password_expires`

func scanUser(row pgx.Row) (*model.User, error) {
	user := &model.User{}
	var id, role string
	err := row.Scan(
		&id, &user.Name, &user.Username, &user.Email, &user.PasswordHash,
		&user.PhoneNumber, &role, &user.Avatar, &user.CreatedAt,
		&user.ResetPasswordToken, &user.ResetPasswordExpires,
	)
	if err != nil {
		return nil, err
	}
	if user.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", id, err)
	}
	user.Role = model.Role(role)
	return user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Create inserts a new account
func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	sql := `INSERT INTO users (id, name, username, email, password_hash, phone_number, role, avatar, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING created_at`
	err := r.db.QueryRow(ctx, sql,
		user.ID, user.Name, user.Username, user.Email, user.PasswordHash,
		user.PhoneNumber, string(user.Role), user.Avatar, user.CreatedAt,
	).Scan(&user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create user: %w", ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *userRepository) findOne(ctx context.Context, what, where string, args ...any) (*model.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find user by %s: %w", what, err)
	}
	return user, nil
}

// FindByID retrieves an account by its ID
func (r *userRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return r.findOne(ctx, "ID", `id = $1`, id)
}

// FindByEmail retrieves an account by email
func (r *userRepository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx, "email", `email = $1`, email)
}

// FindByUsernameOrEmail matches identifier against both unique columns.
func (r *userRepository) FindByUsernameOrEmail(ctx context.Context, identifier string) (*model.User, error) {
	return r.findOne(ctx, "username or email", `username = $1 OR email = $1 LIMIT 1`, identifier)
}

// FindByResetToken retrieves the account holding an unexpired reset token digest.
func (r *userRepository) FindByResetToken(ctx context.Context, tokenHash string) (*model.User, error) {
	return r.findOne(ctx, "reset token", `reset_password_token = $1 AND reset_password_expires > NOW()`, tokenHash)
}

func (r *userRepository) ExistsByEmailOrUsername(ctx context.Context, email, username string) (bool, error) {
	var exists bool
	sql := `SELECT EXISTS (SELECT 1 FROM users WHERE email = $1 OR username = $2)`
	if err := r.db.QueryRow(ctx, sql, email, username).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check existing user: %w", err)
	}
	return exists, nil
}

// FindAll returns every account, most recently created first
func (r *userRepository) FindAll(ctx context.Context) ([]model.User, error) {
	rows, err := r.db.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, *user)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}
	return users, nil
}

func (r *userRepository) exec(ctx context.Context, what, sql string, args ...any) error {
	cmdTag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to %s: %w", what, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("failed to %s: %w", what, ErrNotFound)
	}
	return nil
}

// UpdateProfile persists name, email and phone number
func (r *userRepository) UpdateProfile(ctx context.Context, user *model.User) error {
	return r.exec(ctx, "update profile",
		`UPDATE users SET name = $1, email = $2, phone_number = $3 WHERE id = $4`,
		user.Name, user.Email, user.PhoneNumber, user.ID)
}

// UpdatePassword stores a new hash and clears any pending reset token.
func (r *userRepository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return r.exec(ctx, "update password",
		`UPDATE users SET password_hash = $1, reset_password_token = NULL, reset_password_expires = NULL WHERE id = $2`,
		passwordHash, id)
}

func (r *userRepository) UpdateAvatar(ctx context.Context, id uuid.UUID, avatar string) error {
	return r.exec(ctx, "update avatar", `UPDATE users SET avatar = $1 WHERE id = $2`, avatar, id)
}

func (r *userRepository) SetResetToken(ctx context.Context, id uuid.UUID, tokenHash string, expires time.Time) error {
	return r.exec(ctx, "set reset token",
		`UPDATE users SET reset_password_token = $1, reset_password_expires = $2 WHERE id = $3`,
		tokenHash, expires, id)
}

// Delete hard-deletes an account
func (r *userRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "delete user", `DELETE FROM users WHERE id = $1`, id)
}

func (r *userRepository) AddPendingAvatar(ctx context.Context, ref string, expires time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO pending_avatars (ref, expires_at) VALUES ($1, $2)
         ON CONFLICT (ref) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		ref, expires)
	if err != nil {
		return fmt.Errorf("failed to record pending avatar: %w", err)
	}
	return nil
}

func (r *userRepository) ClaimPendingAvatar(ctx context.Context, ref string) error {
	return r.exec(ctx, "claim pending avatar", `DELETE FROM pending_avatars WHERE ref = $1`, ref)
}

func (r *userRepository) TakeExpiredPendingAvatars(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`DELETE FROM pending_avatars WHERE ref IN (
             SELECT ref FROM pending_avatars WHERE expires_at < $1 ORDER BY expires_at LIMIT $2
         ) RETURNING ref`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to take expired pending avatars: %w", err)
	}
	defer rows.Close()

	refs := []string{}
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("failed to scan pending avatar: %w", err)
		}
		refs = append(refs, ref)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending avatars: %w", err)
	}
	return refs, nil
}

func (r *userRepository) WithTx(ctx context.Context, fn func(repo UserRepository) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&userRepository{db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.Logger.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
