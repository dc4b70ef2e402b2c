// Package identity owns accounts, credentials, and the verification flag
// consumed by escrow capability checks.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/gian-gg/sabot-sub002/escrow"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("identity: password must be at least 8 characters")
)

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new identity service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new user account. New accounts start unverified.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("identity: email and full_name are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("identity: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(user.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("identity: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// MarkVerified records a successful out-of-band verification.
func (s *Service) MarkVerified(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.SetVerified(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Capability resolves the escrow-facing identity capability. An unknown
// user id is reported as unauthenticated rather than an error so callers
// can treat the result as a plain capability token.
func (s *Service) Capability(ctx context.Context, userID string) (escrow.Capability, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return escrow.Capability{}, nil
		}
		return escrow.Capability{}, err
	}
	return escrow.Capability{IsAuthenticated: true, IsVerified: user.Verified}, nil
}

// VerifyToken validates a JWT token and returns the user ID.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("identity: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		userID, ok := claims["user_id"].(string)
		if !ok {
			return "", fmt.Errorf("identity: invalid user_id in token")
		}
		return userID, nil
	}

	return "", fmt.Errorf("identity: invalid token")
}

// generateToken creates a JWT token for the user.
func (s *Service) generateToken(userID string) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
