package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		FullName: "Alice Cruz",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Verified {
		t.Fatal("register: new accounts must start unverified")
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	tokenUserID, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		FullName: "Alice Cruz",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		FullName: "Alice Cruz",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_Capability(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "bob@example.com",
		Password: "strongpassword",
		FullName: "Bob Reyes",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	cap, err := svc.Capability(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("capability: %v", err)
	}
	if !cap.IsAuthenticated || cap.IsVerified {
		t.Fatalf("expected authenticated unverified capability, got %+v", cap)
	}

	if _, err := svc.MarkVerified(context.Background(), user.ID); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	cap, err = svc.Capability(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("capability after verification: %v", err)
	}
	if !cap.IsVerified {
		t.Fatalf("expected verified capability, got %+v", cap)
	}

	cap, err = svc.Capability(context.Background(), "no-such-user")
	if err != nil {
		t.Fatalf("capability for unknown user: %v", err)
	}
	if cap.IsAuthenticated || cap.IsVerified {
		t.Fatalf("unknown user must resolve to a zero capability, got %+v", cap)
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++

	user := User{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) SetVerified(ctx context.Context, userID string, verified bool) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	user.Verified = verified
	user.UpdatedAt = time.Now().UTC()
	f.usersByID[userID] = user
	f.usersByEmail[strings.ToLower(user.Email)] = user
	return user, nil
}
