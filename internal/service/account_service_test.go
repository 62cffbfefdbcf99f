package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"account_service/internal/model"
	"account_service/internal/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testActivationURL = "http://localhost:3000/activation/"
	testResetURL      = "http://localhost:3000/reset-password/"
	testActivationKey = "activation-secret"
)

type testEnv struct {
	svc     AccountService
	repo    *memRepo
	avatars *memStorage
	mail    *mockMailer
	jwt     *utils.JWTUtil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:    newMemRepo(),
		avatars: newMemStorage(),
		mail:    &mockMailer{},
		jwt:     utils.NewJWTUtil("session-secret", 1),
	}
	env.svc = NewAccountService(
		env.repo,
		env.jwt,
		utils.NewActivationCodec(testActivationKey, utils.ActivationTTL),
		env.avatars,
		env.mail,
		Options{
			ActivationURL:      testActivationURL,
			ResetURL:           testResetURL,
			InitialAdminEmail:  "Boss@Example.com",
			PhoneDefaultRegion: "US",
		},
	)
	t.Cleanup(func() { env.mail.AssertExpectations(t) })
	return env
}

// register runs Register and returns the activation token that was mailed.
func (e *testEnv) register(t *testing.T, req model.RegisterRequest) string {
	t.Helper()
	var url string
	e.mail.On("SendActivation", mock.Anything, utils.NormalizeEmail(req.Email), req.Name, mock.Anything).
		Run(func(args mock.Arguments) { url = args.String(3) }).
		Return(nil).Once()

	require.NoError(t, e.svc.Register(context.Background(), req, nil))
	require.True(t, strings.HasPrefix(url, testActivationURL))
	return strings.TrimPrefix(url, testActivationURL)
}

// activeUser registers and activates an account in one step.
func (e *testEnv) activeUser(t *testing.T, name, username, email, password string) *model.User {
	t.Helper()
	token := e.register(t, model.RegisterRequest{Name: name, Username: username, Email: email, Password: password})
	user, _, err := e.svc.Activate(context.Background(), token)
	require.NoError(t, err)
	return user
}

func TestRegisterActivateLogin_Scenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	token := env.register(t, model.RegisterRequest{Name: "A", Username: "a", Email: "a@x.com", Password: "p1"})
	assert.Equal(t, 0, env.repo.count(), "registration must not create the account")

	user, session, err := env.svc.Activate(ctx, token)
	require.NoError(t, err)
	assert.NotEmpty(t, session)
	assert.Equal(t, model.RoleUser, user.Role)
	assert.Equal(t, 1, env.repo.count())

	stored, _ := env.repo.FindByEmail(ctx, "a@x.com")
	require.NotNil(t, stored)
	assert.NotEqual(t, "p1", stored.PasswordHash)
	assert.True(t, utils.CheckPasswordHash("p1", stored.PasswordHash))

	sessionID, err := env.jwt.ParseUserID(session)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, sessionID)

	_, _, err = env.svc.Login(ctx, "a", "p1")
	assert.NoError(t, err)

	_, _, err = env.svc.Login(ctx, "a", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegister_ConflictLeavesStoreUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.activeUser(t, "A", "a", "a@x.com", "p1")

	cases := []model.RegisterRequest{
		{Name: "B", Username: "b", Email: "A@X.com", Password: "p2"},
		{Name: "B", Username: "a", Email: "b@x.com", Password: "p2"},
	}
	for _, req := range cases {
		avatar := newFileHeader(t, "me.png", []byte("img"))
		err := env.svc.Register(context.Background(), req, avatar)
		assert.ErrorIs(t, err, ErrAccountExists)
		assert.Equal(t, 1, env.repo.count())
		assert.Equal(t, 0, env.avatars.len(), "uploaded avatar must be removed")
		assert.Empty(t, env.repo.pending)
	}
	env.mail.AssertNumberOfCalls(t, "SendActivation", 1)
}

func TestRegister_MailFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mail.On("SendActivation", mock.Anything, "a@x.com", "A", mock.Anything).
		Return(errors.New("broker down")).Once()

	err := env.svc.Register(context.Background(),
		model.RegisterRequest{Name: "A", Username: "a", Email: "a@x.com", Password: "p1"}, nil)
	assert.ErrorIs(t, err, ErrMailDispatch)
	assert.NotErrorIs(t, err, ErrAccountExists)
}

func TestRegister_InvalidAvatar(t *testing.T) {
	env := newTestEnv(t)
	req := model.RegisterRequest{Name: "A", Username: "a", Email: "a@x.com", Password: "p1"}

	err := env.svc.Register(context.Background(), req, newFileHeader(t, "script.sh", []byte("#!")))
	assert.ErrorIs(t, err, ErrInvalidFileFormat)

	big := newFileHeader(t, "me.png", []byte("img"))
	big.Size = MaxAvatarSize + 1
	err = env.svc.Register(context.Background(), req, big)
	assert.ErrorIs(t, err, ErrFileSizeExceeded)
}

func TestActivate_CarriesAvatar(t *testing.T) {
	env := newTestEnv(t)
	var url string
	env.mail.On("SendActivation", mock.Anything, "a@x.com", "A", mock.Anything).
		Run(func(args mock.Arguments) { url = args.String(3) }).
		Return(nil).Once()

	req := model.RegisterRequest{Name: "A", Username: "a", Email: "a@x.com", Password: "p1"}
	require.NoError(t, env.svc.Register(context.Background(), req, newFileHeader(t, "me.png", []byte("img"))))

	token := strings.TrimPrefix(url, testActivationURL)
	pending, err := utils.NewActivationCodec(testActivationKey, utils.ActivationTTL).Verify(token)
	require.NoError(t, err)
	assert.True(t, env.repo.isPending(pending.Avatar), "upload is tracked until activation")

	user, _, err := env.svc.Activate(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, user.Avatar)
	assert.True(t, env.avatars.has(*user.Avatar))
	assert.False(t, env.repo.isPending(*user.Avatar), "activation claims the upload")
}

func TestActivate_SweptAvatarIsDropped(t *testing.T) {
	env := newTestEnv(t)
	var url string
	env.mail.On("SendActivation", mock.Anything, "a@x.com", "A", mock.Anything).
		Run(func(args mock.Arguments) { url = args.String(3) }).
		Return(nil).Once()

	req := model.RegisterRequest{Name: "A", Username: "a", Email: "a@x.com", Password: "p1"}
	require.NoError(t, env.svc.Register(context.Background(), req, newFileHeader(t, "me.png", []byte("img"))))

	swept, err := env.repo.TakeExpiredPendingAvatars(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, swept, 1)

	user, _, err := env.svc.Activate(context.Background(), strings.TrimPrefix(url, testActivationURL))
	require.NoError(t, err)
	assert.Nil(t, user.Avatar)
}

func TestActivate_InvalidTokens(t *testing.T) {
	env := newTestEnv(t)
	pending := model.PendingRegistration{Name: "A", Username: "a", Email: "a@x.com", Password: "p1"}

	expired, err := utils.NewActivationCodec(testActivationKey, -time.Minute).Sign(pending)
	require.NoError(t, err)
	forged, err := utils.NewActivationCodec("other-secret", time.Minute).Sign(pending)
	require.NoError(t, err)
	valid, err := utils.NewActivationCodec(testActivationKey, time.Minute).Sign(pending)
	require.NoError(t, err)
	tampered := valid[:len(valid)-2] + "xx"

	for name, token := range map[string]string{
		"expired":  expired,
		"forged":   forged,
		"tampered": tampered,
		"garbage":  "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			user, session, err := env.svc.Activate(context.Background(), token)
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.Nil(t, user)
			assert.Empty(t, session)
			assert.Equal(t, 0, env.repo.count())
		})
	}
}

func TestActivate_SecondActivationConflicts(t *testing.T) {
	env := newTestEnv(t)
	first := env.register(t, model.RegisterRequest{Name: "A", Username: "a", Email: "a@x.com", Password: "p1"})
	second := env.register(t, model.RegisterRequest{Name: "A2", Username: "a2", Email: "a@x.com", Password: "p2"})

	_, _, err := env.svc.Activate(context.Background(), first)
	require.NoError(t, err)

	_, _, err = env.svc.Activate(context.Background(), second)
	assert.ErrorIs(t, err, ErrAccountExists)

	_, _, err = env.svc.Activate(context.Background(), first)
	assert.ErrorIs(t, err, ErrAccountExists, "replayed token must not create a second account")
	assert.Equal(t, 1, env.repo.count())
}

func TestActivate_InitialAdmin(t *testing.T) {
	env := newTestEnv(t)
	admin := env.activeUser(t, "Boss", "boss", "boss@example.com", "p1")
	assert.Equal(t, model.RoleAdmin, admin.Role)

	user := env.activeUser(t, "U", "u", "u@example.com", "p1")
	assert.Equal(t, model.RoleUser, user.Role)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.activeUser(t, "A", "a", "a@x.com", "p1")
	ctx := context.Background()

	user, token, err := env.svc.Login(ctx, " A@X.COM ", "p1")
	require.NoError(t, err)
	assert.Equal(t, "a", user.Username)
	assert.NotEmpty(t, token)

	_, _, err = env.svc.Login(ctx, "nobody", "p1")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	for _, guess := range []string{"", "P1", "p1 ", user.PasswordHash} {
		_, _, err = env.svc.Login(ctx, "a", guess)
		assert.ErrorIs(t, err, ErrInvalidCredentials, "password %q", guess)
	}
}

func TestUserJSON_NeverExposesPassword(t *testing.T) {
	env := newTestEnv(t)
	user := env.activeUser(t, "A", "a", "a@x.com", "p1secret")

	body, err := json.Marshal(user)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "p1secret")
	assert.NotContains(t, string(body), user.PasswordHash)
}

func TestGetAccount(t *testing.T) {
	env := newTestEnv(t)
	created := env.activeUser(t, "A", "a", "a@x.com", "p1")

	user, err := env.svc.GetAccount(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, user.ID)

	_, err = env.svc.GetAccount(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	user := env.activeUser(t, "A", "a", "a@x.com", "old-pass")
	ctx := context.Background()

	_, err := env.svc.ChangePassword(ctx, user.ID, model.ChangePasswordRequest{
		OldPassword: "wrong", NewPassword: "new-pass", ConfirmPassword: "new-pass",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.svc.ChangePassword(ctx, user.ID, model.ChangePasswordRequest{
		OldPassword: "old-pass", NewPassword: "new-pass", ConfirmPassword: "other",
	})
	assert.ErrorIs(t, err, ErrPasswordMismatch)

	_, err = env.svc.ChangePassword(ctx, user.ID, model.ChangePasswordRequest{
		OldPassword: "old-pass", NewPassword: "new-pass", ConfirmPassword: "new-pass",
	})
	require.NoError(t, err)

	_, _, err = env.svc.Login(ctx, "a", "old-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = env.svc.Login(ctx, "a", "new-pass")
	assert.NoError(t, err)
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	user := env.activeUser(t, "A", "a", "a@x.com", "p1")
	env.activeUser(t, "B", "b", "b@x.com", "p1")
	ctx := context.Background()

	_, err := env.svc.UpdateProfile(ctx, user.ID, model.UpdateProfileRequest{
		Name: "A", Email: "a@x.com", Password: "wrong",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.svc.UpdateProfile(ctx, user.ID, model.UpdateProfileRequest{
		Name: "A", Email: "B@x.com", Password: "p1",
	})
	assert.ErrorIs(t, err, ErrAccountExists)

	_, err = env.svc.UpdateProfile(ctx, user.ID, model.UpdateProfileRequest{
		Name: "A", Email: "a@x.com", PhoneNumber: "12345", Password: "p1",
	})
	assert.ErrorIs(t, err, ErrInvalidPhone)

	updated, err := env.svc.UpdateProfile(ctx, user.ID, model.UpdateProfileRequest{
		Name: "Alice", Email: "Alice@X.com", PhoneNumber: "(650) 253-0000", Password: "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", updated.Name)
	assert.Equal(t, "alice@x.com", updated.Email)
	require.NotNil(t, updated.PhoneNumber)
	assert.Equal(t, "+16502530000", *updated.PhoneNumber)

	stored, _ := env.repo.FindByID(ctx, user.ID)
	assert.Equal(t, "alice@x.com", stored.Email)

	_, err = env.svc.UpdateProfile(ctx, uuid.New(), model.UpdateProfileRequest{Name: "x", Email: "x@x.com", Password: "p1"})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestUpdateAvatar(t *testing.T) {
	env := newTestEnv(t)
	user := env.activeUser(t, "A", "a", "a@x.com", "p1")
	ctx := context.Background()

	_, err := env.svc.UpdateAvatar(ctx, user.ID, nil)
	assert.ErrorIs(t, err, ErrMissingFile)

	_, err = env.svc.UpdateAvatar(ctx, user.ID, newFileHeader(t, "doc.pdf", []byte("pdf")))
	assert.ErrorIs(t, err, ErrInvalidFileFormat)

	first, err := env.svc.UpdateAvatar(ctx, user.ID, newFileHeader(t, "one.png", []byte("1")))
	require.NoError(t, err)
	firstRef := *first.Avatar
	assert.True(t, env.avatars.has(firstRef))

	second, err := env.svc.UpdateAvatar(ctx, user.ID, newFileHeader(t, "two.jpg", []byte("2")))
	require.NoError(t, err)
	assert.False(t, env.avatars.has(firstRef), "previous avatar must be deleted")
	assert.True(t, env.avatars.has(*second.Avatar))

	stored, _ := env.repo.FindByID(ctx, user.ID)
	assert.Equal(t, *second.Avatar, *stored.Avatar)
}

func TestUpdateAvatar_PreviousFileMissingIsTolerated(t *testing.T) {
	env := newTestEnv(t)
	user := env.activeUser(t, "A", "a", "a@x.com", "p1")
	require.NoError(t, env.repo.UpdateAvatar(context.Background(), user.ID, "gone.png"))

	updated, err := env.svc.UpdateAvatar(context.Background(), user.ID, newFileHeader(t, "new.png", []byte("n")))
	require.NoError(t, err)
	assert.NotEqual(t, "gone.png", *updated.Avatar)
}

func TestUpdateAvatar_DeleteFailurePropagates(t *testing.T) {
	env := newTestEnv(t)
	user := env.activeUser(t, "A", "a", "a@x.com", "p1")
	require.NoError(t, env.repo.UpdateAvatar(context.Background(), user.ID, "old.png"))
	env.avatars.deleteErr = errors.New("permission denied")

	_, err := env.svc.UpdateAvatar(context.Background(), user.ID, newFileHeader(t, "new.png", []byte("n")))
	assert.ErrorContains(t, err, "permission denied")

	stored, _ := env.repo.FindByID(context.Background(), user.ID)
	assert.Equal(t, "old.png", *stored.Avatar)
}

func TestUpdateAvatar_RecordFailureKeepsPreviousFile(t *testing.T) {
	env := newTestEnv(t)
	user := env.activeUser(t, "A", "a", "a@x.com", "p1")
	ctx := context.Background()

	first, err := env.svc.UpdateAvatar(ctx, user.ID, newFileHeader(t, "one.png", []byte("1")))
	require.NoError(t, err)
	firstRef := *first.Avatar

	env.repo.updateAvatarErr = errors.New("connection reset")
	_, err = env.svc.UpdateAvatar(ctx, user.ID, newFileHeader(t, "two.png", []byte("2")))
	assert.ErrorContains(t, err, "connection reset")

	assert.True(t, env.avatars.has(firstRef), "previous avatar must survive a failed update")
	assert.Equal(t, 1, env.avatars.len(), "new upload must be removed")
	stored, _ := env.repo.FindByID(ctx, user.ID)
	assert.Equal(t, firstRef, *stored.Avatar)
}

func TestUpdateAvatar_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.UpdateAvatar(context.Background(), uuid.New(), newFileHeader(t, "one.png", []byte("1")))
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, 0, env.avatars.len())
}

func TestListAccounts_NewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := time.Now()
	for i, name := range []string{"old", "mid", "new"} {
		env.repo.add(model.User{
			ID: uuid.New(), Username: name, Email: name + "@x.com",
			Role: model.RoleUser, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	users, err := env.svc.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{users[0].Username, users[1].Username, users[2].Username})
}

func TestDeleteAccount(t *testing.T) {
	env := newTestEnv(t)
	user := env.activeUser(t, "A", "a", "a@x.com", "p1")
	updated, err := env.svc.UpdateAvatar(context.Background(), user.ID, newFileHeader(t, "me.png", []byte("m")))
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteAccount(context.Background(), user.ID))
	assert.Equal(t, 0, env.repo.count())
	assert.False(t, env.avatars.has(*updated.Avatar))

	err = env.svc.DeleteAccount(context.Background(), user.ID)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestPasswordReset(t *testing.T) {
	env := newTestEnv(t)
	env.activeUser(t, "A", "a", "a@x.com", "p1")
	ctx := context.Background()

	require.NoError(t, env.svc.RequestPasswordReset(ctx, "nobody@x.com"))
	env.mail.AssertNotCalled(t, "SendPasswordReset", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	var url string
	env.mail.On("SendPasswordReset", mock.Anything, "a@x.com", "A", mock.Anything).
		Run(func(args mock.Arguments) { url = args.String(3) }).
		Return(nil).Once()
	require.NoError(t, env.svc.RequestPasswordReset(ctx, "A@x.com"))
	token := strings.TrimPrefix(url, testResetURL)
	require.NotEmpty(t, token)

	stored, _ := env.repo.FindByEmail(ctx, "a@x.com")
	require.NotNil(t, stored.ResetPasswordToken)
	assert.NotEqual(t, token, *stored.ResetPasswordToken, "only the digest is stored")

	err := env.svc.ResetPassword(ctx, model.ResetPasswordRequest{Token: token, NewPassword: "p2", ConfirmPassword: "p3"})
	assert.ErrorIs(t, err, ErrPasswordMismatch)

	err = env.svc.ResetPassword(ctx, model.ResetPasswordRequest{Token: "bogus", NewPassword: "p2", ConfirmPassword: "p2"})
	assert.ErrorIs(t, err, ErrInvalidToken)

	require.NoError(t, env.svc.ResetPassword(ctx, model.ResetPasswordRequest{Token: token, NewPassword: "p2", ConfirmPassword: "p2"}))

	_, _, err = env.svc.Login(ctx, "a", "p2")
	assert.NoError(t, err)
	_, _, err = env.svc.Login(ctx, "a", "p1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = env.svc.ResetPassword(ctx, model.ResetPasswordRequest{Token: token, NewPassword: "p4", ConfirmPassword: "p4"})
	assert.ErrorIs(t, err, ErrInvalidToken, "reset token is single use")
}

func TestPasswordReset_ExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	user := env.activeUser(t, "A", "a", "a@x.com", "p1")
	ctx := context.Background()

	token := "expired-token"
	require.NoError(t, env.repo.SetResetToken(ctx, user.ID, hashResetToken(token), time.Now().Add(-time.Minute)))

	err := env.svc.ResetPassword(ctx, model.ResetPasswordRequest{Token: token, NewPassword: "p2", ConfirmPassword: "p2"})
	assert.ErrorIs(t, err, ErrInvalidToken)
}
