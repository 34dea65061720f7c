// ABOUTME: User directory service: registration, login and contact listing
// ABOUTME: Validates input, hashes passwords with bcrypt and resolves display names

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/parley-gateway/internal/chaterr"
	"github.com/2389/parley-gateway/internal/store"
)

// Directory errors. Each also wraps a chaterr sentinel.
var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

var validate = validator.New()

// RegisterRequest is the validated registration input.
type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	DisplayName string `json:"display_name" validate:"max=64"`
}

// Entry is one row of the contact list.
type Entry struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email"`
}

// Options configures a Service.
type Options struct {
	Logger     *slog.Logger
	BcryptCost int // 0 uses bcrypt.DefaultCost
}

// Service is the user directory.
type Service struct {
	users  store.UserStore
	logger *slog.Logger
	cost   int
}

// New creates a directory over users.
func New(users store.UserStore, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cost := opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		users:  users,
		logger: logger.With("component", "directory"),
		cost:   cost,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a user. An empty display name defaults to the email's local part.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*store.User, error) {
	req.Email = normalizeEmail(req.Email)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", chaterr.ErrValidation, describe(err))
	}
	if req.DisplayName == "" {
		req.DisplayName, _, _ = strings.Cut(req.Email, "@")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			return nil, fmt.Errorf("%w: %w", chaterr.ErrValidation, ErrEmailTaken)
		}
		return nil, fmt.Errorf("%w: creating user: %w", chaterr.ErrTransient, err)
	}

	s.logger.Info("user registered", "user_id", user.ID)
	return user, nil
}

// Authenticate checks email and password and returns the user.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*store.User, error) {
	user, err := s.users.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", chaterr.ErrPermission, ErrInvalidCredentials)
		}
		return nil, fmt.Errorf("%w: looking up user: %w", chaterr.ErrTransient, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.Debug("password mismatch", "user_id", user.ID)
		return nil, fmt.Errorf("%w: %w", chaterr.ErrPermission, ErrInvalidCredentials)
	}
	return user, nil
}

// Get returns the user with id.
func (s *Service) Get(ctx context.Context, id string) (*store.User, error) {
	user, err := s.users.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %q", chaterr.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: looking up user: %w", chaterr.ErrTransient, err)
	}
	return user, nil
}

// ListUsers returns every user in registration order except excludeID.
func (s *Service) ListUsers(ctx context.Context, excludeID string) ([]Entry, error) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing users: %w", chaterr.ErrTransient, err)
	}
	others := lo.Reject(users, func(u *store.User, _ int) bool { return u.ID == excludeID })
	return lo.Map(others, func(u *store.User, _ int) Entry {
		return Entry{ID: u.ID, DisplayName: u.DisplayName, Email: u.Email}
	}), nil
}

// DisplayName returns the label captured on messages the user sends: the
// display name, or the email when none is set.
func (s *Service) DisplayName(ctx context.Context, id string) (string, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return user.Label(), nil
}

// describe turns validator errors into one readable line.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			return field + " is required"
		case "email":
			return field + " must be a valid email address"
		case "min":
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		case "max":
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		default:
			return fmt.Sprintf("%s failed %s", field, fe.Tag())
		}
	})
	return strings.Join(parts, "; ")
}
