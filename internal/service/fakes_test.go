package service

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"sort"
	"sync"
	"testing"
	"time"

	"account_service/internal/model"
	"account_service/internal/repository"
	"account_service/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory UserRepository enforcing the unique username and
// email constraints of the users table. WithTx restores the previous state
// when fn fails. updateAvatarErr, when set, is returned by UpdateAvatar.
type memRepo struct {
	mu              sync.Mutex
	users           map[uuid.UUID]model.User
	pending         map[string]time.Time
	updateAvatarErr error
}

func newMemRepo() *memRepo {
	return &memRepo{users: map[uuid.UUID]model.User{}, pending: map[string]time.Time{}}
}

func (r *memRepo) isPending(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[ref]
	return ok
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *memRepo) add(u model.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
}

func (r *memRepo) find(match func(u model.User) bool) *model.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if match(u) {
			found := u
			return &found
		}
	}
	return nil
}

func (r *memRepo) Create(ctx context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email || u.Username == user.Username {
			return repository.ErrDuplicateKey
		}
	}
	r.users[user.ID] = *user
	return nil
}

func (r *memRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return r.find(func(u model.User) bool { return u.ID == id }), nil
}

func (r *memRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.find(func(u model.User) bool { return u.Email == email }), nil
}

func (r *memRepo) FindByUsernameOrEmail(ctx context.Context, identifier string) (*model.User, error) {
	return r.find(func(u model.User) bool { return u.Username == identifier || u.Email == identifier }), nil
}

func (r *memRepo) FindByResetToken(ctx context.Context, tokenHash string) (*model.User, error) {
	now := time.Now()
	return r.find(func(u model.User) bool {
		return u.ResetPasswordToken != nil && *u.ResetPasswordToken == tokenHash &&
			u.ResetPasswordExpires != nil && u.ResetPasswordExpires.After(now)
	}), nil
}

func (r *memRepo) ExistsByEmailOrUsername(ctx context.Context, email, username string) (bool, error) {
	return r.find(func(u model.User) bool { return u.Email == email || u.Username == username }) != nil, nil
}

func (r *memRepo) FindAll(ctx context.Context) ([]model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]model.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.After(users[j].CreatedAt) })
	return users, nil
}

func (r *memRepo) update(id uuid.UUID, fn func(u *model.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&u)
	r.users[id] = u
	return nil
}

func (r *memRepo) UpdateProfile(ctx context.Context, user *model.User) error {
	if other := r.find(func(u model.User) bool { return u.Email == user.Email && u.ID != user.ID }); other != nil {
		return repository.ErrDuplicateKey
	}
	return r.update(user.ID, func(u *model.User) {
		u.Name = user.Name
		u.Email = user.Email
		u.PhoneNumber = user.PhoneNumber
	})
}

func (r *memRepo) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return r.update(id, func(u *model.User) {
		u.PasswordHash = passwordHash
		u.ResetPasswordToken = nil
		u.ResetPasswordExpires = nil
	})
}

func (r *memRepo) UpdateAvatar(ctx context.Context, id uuid.UUID, avatar string) error {
	if r.updateAvatarErr != nil {
		return r.updateAvatarErr
	}
	return r.update(id, func(u *model.User) { u.Avatar = &avatar })
}

func (r *memRepo) SetResetToken(ctx context.Context, id uuid.UUID, tokenHash string, expires time.Time) error {
	return r.update(id, func(u *model.User) {
		u.ResetPasswordToken = &tokenHash
		u.ResetPasswordExpires = &expires
	})
}

func (r *memRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.users, id)
	return nil
}

func (r *memRepo) AddPendingAvatar(ctx context.Context, ref string, expires time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[ref] = expires
	return nil
}

func (r *memRepo) ClaimPendingAvatar(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[ref]; !ok {
		return repository.ErrNotFound
	}
	delete(r.pending, ref)
	return nil
}

func (r *memRepo) TakeExpiredPendingAvatars(ctx context.Context, before time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := []string{}
	for ref, expires := range r.pending {
		if len(refs) == limit {
			break
		}
		if expires.Before(before) {
			refs = append(refs, ref)
			delete(r.pending, ref)
		}
	}
	return refs, nil
}

func (r *memRepo) WithTx(ctx context.Context, fn func(repo repository.UserRepository) error) error {
	r.mu.Lock()
	users := make(map[uuid.UUID]model.User, len(r.users))
	for id, u := range r.users {
		users[id] = u
	}
	pending := make(map[string]time.Time, len(r.pending))
	for ref, exp := range r.pending {
		pending[ref] = exp
	}
	r.mu.Unlock()

	if err := fn(r); err != nil {
		r.mu.Lock()
		r.users, r.pending = users, pending
		r.mu.Unlock()
		return err
	}
	return nil
}

// memStorage keeps avatars in memory. deleteErr, when set, is returned by
// Delete for every reference.
type memStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleteErr error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}}
}

func (s *memStorage) Save(ctx context.Context, originalName string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := uuid.NewString() + "-" + originalName
	s.objects[ref] = data
	return ref, nil
}

func (s *memStorage) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.objects[ref]; !ok {
		return storage.ErrNotFound
	}
	delete(s.objects, ref)
	return nil
}

func (s *memStorage) has(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[ref]
	return ok
}

func (s *memStorage) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type mockMailer struct {
	mock.Mock
}

func (m *mockMailer) SendActivation(ctx context.Context, to, name, activationURL string) error {
	args := m.Called(ctx, to, name, activationURL)
	return args.Error(0)
}

func (m *mockMailer) SendPasswordReset(ctx context.Context, to, name, resetURL string) error {
	args := m.Called(ctx, to, name, resetURL)
	return args.Error(0)
}

func newFileHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(body, w.Boundary()).ReadForm(int64(len(content)) + 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["file"][0]
}
