package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"account_service/internal/logger"
	"account_service/internal/mailer"
	"account_service/internal/metrics"
	"account_service/internal/model"
	"account_service/internal/repository"
	"account_service/internal/storage"
	"account_service/internal/utils"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
)

const (
	MaxAvatarSize = 5 * 1024 * 1024 // 5MB

	// ResetTokenTTL bounds how long a password reset link stays valid.
	ResetTokenTTL = 15 * time.Minute
)

var allowedAvatarExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true}

// Options carries the deployment-specific settings of the account service.
type Options struct {
	ActivationURL      string
	ResetURL           string
	InitialAdminEmail  string
	PhoneDefaultRegion string
}

// AccountService provides the account lifecycle
type AccountService interface {
	// Register validates the request and mails an activation link. No account
	// is created until Activate succeeds.
	Register(ctx context.Context, req model.RegisterRequest, avatar *multipart.FileHeader) error
	Activate(ctx context.Context, activationToken string) (*model.User, string, error)
	Login(ctx context.Context, usernameOrEmail, password string) (*model.User, string, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*model.User, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, req model.UpdateProfileRequest) (*model.User, error)
	UpdateAvatar(ctx context.Context, id uuid.UUID, file *multipart.FileHeader) (*model.User, error)
	ChangePassword(ctx context.Context, id uuid.UUID, req model.ChangePasswordRequest) (*model.User, error)
	ListAccounts(ctx context.Context) ([]model.User, error)
	DeleteAccount(ctx context.Context, id uuid.UUID) error
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, req model.ResetPasswordRequest) error
}

type accountService struct {
	repo       repository.UserRepository
	jwtUtil    *utils.JWTUtil
	activation *utils.ActivationCodec
	avatars    storage.AvatarStorage
	mail       mailer.Mailer
	opts       Options
	now        func() time.Time
}

// NewAccountService creates a new AccountService
func NewAccountService(
	repo repository.UserRepository,
	jwtUtil *utils.JWTUtil,
	activation *utils.ActivationCodec,
	avatars storage.AvatarStorage,
	mail mailer.Mailer,
	opts Options,
) AccountService {
	if opts.PhoneDefaultRegion == "" {
		opts.PhoneDefaultRegion = "US"
	}
	opts.InitialAdminEmail = utils.NormalizeEmail(opts.InitialAdminEmail)
	return &accountService{
		repo:       repo,
		jwtUtil:    jwtUtil,
		activation: activation,
		avatars:    avatars,
		mail:       mail,
		opts:       opts,
		now:        time.Now,
	}
}

func (s *accountService) Register(ctx context.Context, req model.RegisterRequest, avatar *multipart.FileHeader) (err error) {
	defer func() { metrics.RecordEvent(metrics.EventRegister, err) }()

	email := utils.NormalizeEmail(req.Email)
	username := strings.TrimSpace(req.Username)

	var avatarRef string
	if avatar != nil {
		if avatarRef, err = s.storeAvatar(ctx, avatar); err != nil {
			return err
		}
		// Unclaimed uploads are removed by the avatar sweeper once the
		// activation link has expired.
		if err = s.repo.AddPendingAvatar(ctx, avatarRef, s.now().Add(s.activation.TTL())); err != nil {
			s.removeAvatar(ctx, avatarRef)
			return err
		}
	}
	discardAvatar := func() {
		if avatarRef == "" {
			return
		}
		s.removeAvatar(ctx, avatarRef)
		if err := s.repo.ClaimPendingAvatar(ctx, avatarRef); err != nil {
			logger.Logger.Warn().Err(err).Str("avatar", avatarRef).Msg("Failed to clear pending avatar")
		}
	}

	exists, err := s.repo.ExistsByEmailOrUsername(ctx, email, username)
	if err != nil {
		discardAvatar()
		return fmt.Errorf("failed to check existing user: %w", err)
	}
	if exists {
		discardAvatar()
		return ErrAccountExists
	}

	token, err := s.activation.Sign(model.PendingRegistration{
		Name:     strings.TrimSpace(req.Name),
		Username: username,
		Email:    email,
		Password: req.Password,
		Avatar:   avatarRef,
	})
	if err != nil {
		discardAvatar()
		return err
	}

	if err := s.mail.SendActivation(ctx, email, req.Name, s.opts.ActivationURL+token); err != nil {
		discardAvatar()
		return fmt.Errorf("%w: %v", ErrMailDispatch, err)
	}
	return nil
}

func (s *accountService) Activate(ctx context.Context, activationToken string) (user *model.User, token string, err error) {
	defer func() { metrics.RecordEvent(metrics.EventActivate, err) }()

	pending, err := s.activation.Verify(activationToken)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	hashedPassword, err := utils.HashPassword(pending.Password)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	role := model.RoleUser
	if s.opts.InitialAdminEmail != "" && pending.Email == s.opts.InitialAdminEmail {
		role = model.RoleAdmin
		logger.Logger.Info().Str("email", pending.Email).Msg("Account is being activated as ADMIN via INITIAL_ADMIN_EMAIL")
	}

	user = &model.User{
		ID:           uuid.New(),
		Name:         pending.Name,
		Username:     pending.Username,
		Email:        pending.Email,
		PasswordHash: hashedPassword,
		Role:         role,
		CreatedAt:    s.now(),
	}
	if pending.Avatar != "" {
		user.Avatar = &pending.Avatar
	}

	err = s.repo.WithTx(ctx, func(tx repository.UserRepository) error {
		exists, err := tx.ExistsByEmailOrUsername(ctx, user.Email, user.Username)
		if err != nil {
			return fmt.Errorf("failed to check existing user: %w", err)
		}
		if exists {
			return ErrAccountExists
		}
		if user.Avatar != nil {
			err := tx.ClaimPendingAvatar(ctx, *user.Avatar)
			if errors.Is(err, repository.ErrNotFound) {
				logger.Logger.Warn().Str("avatar", *user.Avatar).Msg("Pending avatar already swept, activating without it")
				user.Avatar = nil
			} else if err != nil {
				return err
			}
		}
		return tx.Create(ctx, user)
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, "", ErrAccountExists
		}
		return nil, "", err
	}

	token, err = s.jwtUtil.GenerateToken(user.ID)
	if err != nil {
		logger.Logger.Error().Err(err).Str("user_id", user.ID.String()).Msg("Account activated, but failed to generate token")
		return user, "", fmt.Errorf("user created, but failed to generate token: %w", err)
	}
	return user, token, nil
}

func (s *accountService) Login(ctx context.Context, usernameOrEmail, password string) (user *model.User, token string, err error) {
	defer func() { metrics.RecordEvent(metrics.EventLogin, err) }()

	identifier := strings.TrimSpace(usernameOrEmail)
	if strings.Contains(identifier, "@") {
		identifier = utils.NormalizeEmail(identifier)
	}

	user, err = s.repo.FindByUsernameOrEmail(ctx, identifier)
	if err != nil {
		return nil, "", fmt.Errorf("error finding user: %w", err)
	}
	if user == nil {
		return nil, "", ErrAccountNotFound
	}
	if !utils.CheckPasswordHash(password, user.PasswordHash) {
		return nil, "", ErrInvalidCredentials
	}

	token, err = s.jwtUtil.GenerateToken(user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}
	return user, token, nil
}

func (s *accountService) GetAccount(ctx context.Context, id uuid.UUID) (*model.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	if user == nil {
		return nil, ErrAccountNotFound
	}
	return user, nil
}

// UpdateProfile re-checks the caller's password before replacing name,
// email and phone number. An empty phone number clears it.
func (s *accountService) UpdateProfile(ctx context.Context, id uuid.UUID, req model.UpdateProfileRequest) (*model.User, error) {
	phone, err := s.normalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	email := utils.NormalizeEmail(req.Email)

	var updated *model.User
	err = s.repo.WithTx(ctx, func(tx repository.UserRepository) error {
		user, err := tx.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to find user for update: %w", err)
		}
		if user == nil {
			return ErrAccountNotFound
		}
		if !utils.CheckPasswordHash(req.Password, user.PasswordHash) {
			return ErrInvalidCredentials
		}

		if email != user.Email {
			other, err := tx.FindByEmail(ctx, email)
			if err != nil {
				return fmt.Errorf("failed to check email: %w", err)
			}
			if other != nil && other.ID != user.ID {
				return ErrAccountExists
			}
		}

		user.Name = strings.TrimSpace(req.Name)
		user.Email = email
		user.PhoneNumber = phone
		if err := tx.UpdateProfile(ctx, user); err != nil {
			return err
		}
		updated = user
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, ErrAccountExists
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return updated, nil
}

// UpdateAvatar stores the new image, records it and then removes the
// previous one. A previous file that is already gone is tolerated; any other
// deletion failure rolls the new reference back and fails the update.
func (s *accountService) UpdateAvatar(ctx context.Context, id uuid.UUID, file *multipart.FileHeader) (*model.User, error) {
	if file == nil {
		return nil, ErrMissingFile
	}

	ref, err := s.storeAvatar(ctx, file)
	if err != nil {
		return nil, err
	}

	var updated *model.User
	err = s.repo.WithTx(ctx, func(tx repository.UserRepository) error {
		user, err := tx.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to find user for avatar update: %w", err)
		}
		if user == nil {
			return ErrAccountNotFound
		}

		if err := tx.UpdateAvatar(ctx, id, ref); err != nil {
			return fmt.Errorf("failed to update avatar: %w", err)
		}

		// Deleted last and still inside the transaction.
		if user.Avatar != nil && *user.Avatar != "" {
			if err := s.avatars.Delete(ctx, *user.Avatar); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("failed to delete previous avatar: %w", err)
			}
		}

		user.Avatar = &ref
		updated = user
		return nil
	})
	if err != nil {
		s.removeAvatar(ctx, ref)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return updated, nil
}

func (s *accountService) ChangePassword(ctx context.Context, id uuid.UUID, req model.ChangePasswordRequest) (user *model.User, err error) {
	defer func() { metrics.RecordEvent(metrics.EventPasswordChange, err) }()

	err = s.repo.WithTx(ctx, func(tx repository.UserRepository) error {
		u, err := tx.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to find user for password change: %w", err)
		}
		if u == nil {
			return ErrAccountNotFound
		}
		if !utils.CheckPasswordHash(req.OldPassword, u.PasswordHash) {
			return ErrInvalidCredentials
		}
		if req.NewPassword != req.ConfirmPassword {
			return ErrPasswordMismatch
		}

		hashed, err := utils.HashPassword(req.NewPassword)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		if err := tx.UpdatePassword(ctx, id, hashed); err != nil {
			return err
		}
		u.PasswordHash = hashed
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ListAccounts returns all accounts, newest first
func (s *accountService) ListAccounts(ctx context.Context) ([]model.User, error) {
	users, err := s.repo.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (s *accountService) DeleteAccount(ctx context.Context, id uuid.UUID) (err error) {
	defer func() { metrics.RecordEvent(metrics.EventAccountDelete, err) }()

	var avatar *string
	err = s.repo.WithTx(ctx, func(tx repository.UserRepository) error {
		user, err := tx.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to find user for deletion: %w", err)
		}
		if user == nil {
			return ErrAccountNotFound
		}
		avatar = user.Avatar
		return tx.Delete(ctx, id)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}

	if avatar != nil && *avatar != "" {
		s.removeAvatar(ctx, *avatar)
	}
	return nil
}

// RequestPasswordReset mails a reset link when the email belongs to an
// account. Unknown emails succeed silently so the endpoint never reveals
// which emails have accounts.
func (s *accountService) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.repo.FindByEmail(ctx, utils.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("failed to find user by email: %w", err)
	}
	if user == nil {
		logger.Logger.Debug().Msg("Password reset requested for unknown email")
		return nil
	}

	token := uuid.NewString()
	if err := s.repo.SetResetToken(ctx, user.ID, hashResetToken(token), s.now().Add(ResetTokenTTL)); err != nil {
		return fmt.Errorf("failed to store reset token: %w", err)
	}

	if err := s.mail.SendPasswordReset(ctx, user.Email, user.Name, s.opts.ResetURL+token); err != nil {
		return fmt.Errorf("%w: %v", ErrMailDispatch, err)
	}
	return nil
}

func (s *accountService) ResetPassword(ctx context.Context, req model.ResetPasswordRequest) (err error) {
	defer func() { metrics.RecordEvent(metrics.EventPasswordReset, err) }()

	if req.NewPassword != req.ConfirmPassword {
		return ErrPasswordMismatch
	}
	hashed, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	return s.repo.WithTx(ctx, func(tx repository.UserRepository) error {
		user, err := tx.FindByResetToken(ctx, hashResetToken(req.Token))
		if err != nil {
			return fmt.Errorf("failed to find user by reset token: %w", err)
		}
		if user == nil {
			return ErrInvalidToken
		}
		return tx.UpdatePassword(ctx, user.ID, hashed)
	})
}

func (s *accountService) normalizePhone(raw string) (*string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	num, err := phonenumbers.Parse(raw, s.opts.PhoneDefaultRegion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return nil, ErrInvalidPhone
	}
	formatted := phonenumbers.Format(num, phonenumbers.E164)
	return &formatted, nil
}

func validateAvatar(file *multipart.FileHeader) error {
	if file.Size > MaxAvatarSize {
		return ErrFileSizeExceeded
	}
	if !allowedAvatarExts[strings.ToLower(filepath.Ext(file.Filename))] {
		return ErrInvalidFileFormat
	}
	return nil
}

func (s *accountService) storeAvatar(ctx context.Context, file *multipart.FileHeader) (string, error) {
	if err := validateAvatar(file); err != nil {
		return "", err
	}

	src, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer src.Close()

	ref, err := s.avatars.Save(ctx, filepath.Base(file.Filename), src)
	if err != nil {
		return "", fmt.Errorf("failed to store avatar: %w", err)
	}
	return ref, nil
}

// removeAvatar deletes a stored avatar on a cleanup path; failures are
// logged only.
func (s *accountService) removeAvatar(ctx context.Context, ref string) {
	if err := s.avatars.Delete(ctx, ref); err != nil {
		logger.Logger.Warn().Err(err).Str("avatar", ref).Msg("Failed to delete avatar")
	}
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
