package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
)

// AccountOpener creates a funded account for a new user
type AccountOpener interface {
	OpenAccount(ctx context.Context, username, passwordHash string) (*models.User, error)
}

// UserFinder looks users up by name
type UserFinder interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// AuthService handles user authentication
type AuthService struct {
	Accounts AccountOpener
	Users    UserFinder
	Secret   []byte
	// TokenTTL is how long an issued token stays valid
	TokenTTL time.Duration
	// Cost is the bcrypt cost for new password hashes
	Cost int
}

// NewAuthService creates a new auth service
func NewAuthService(accounts AccountOpener, users UserFinder, secret []byte) *AuthService {
	return &AuthService{
		Accounts: accounts,
		Users:    users,
		Secret:   secret,
		TokenTTL: 24 * time.Hour,
		Cost:     bcrypt.DefaultCost,
	}
}

// Register creates a new user with hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	// Validate input
	if username == "" {
		return nil, fmt.Errorf("%w: username cannot be empty", ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("%w: username too long (max 50 characters)", ErrInvalidInput)
	}
	if len(password) > 72 {
		return nil, fmt.Errorf("%w: password too long (max 72 bytes)", ErrInvalidInput)
	}

	// Hash the password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), s.Cost)
	if err != nil {
		return nil, err
	}

	user, err := s.Accounts.OpenAccount(ctx, username, string(hashedPassword))
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	if len(password) > 72 {
		return "", ErrInvalidCredentials
	}

	user, err := s.Users.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"exp":      time.Now().Add(s.TokenTTL).Unix(),
	})
	tokenString, err := token.SignedString(s.Secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// UserIDFromToken validates a JWT and extracts the user ID
func (s *AuthService) UserIDFromToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, ErrInvalidToken
	}
	if exp, err := claims.GetExpirationTime(); err != nil || exp == nil {
		return 0, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	// JSON numbers decode as float64
	userID, ok := claims["user_id"].(float64)
	if !ok || userID <= 0 {
		return 0, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	return int64(userID), nil
}
