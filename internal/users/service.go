package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	minPasswordLength  = 8
	minSearchLength    = 2
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

var (
	// ErrInvalidAccount indicates that registration input failed validation.
	ErrInvalidAccount = errors.New("users: invalid account details")
	// ErrDuplicateAccount indicates the username or email is already taken.
	ErrDuplicateAccount = errors.New("users: account already exists")
	// ErrAccountNotFound indicates no account matches the identifier.
	ErrAccountNotFound = errors.New("users: account not found")
	// ErrInvalidCredentials indicates a failed login. Deliberately uniform for
	// unknown identifier and wrong password.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrInvalidQuery indicates a directory search query that is too short.
	ErrInvalidQuery = errors.New("users: search query too short")
)

// IDProvider issues account identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the identity service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns account registration, credential checks, profile resolution
// and directory search.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// RegisterParams carries validated-at-the-boundary signup input.
type RegisterParams struct {
	Username    string
	DisplayName string
	Email       string
	Password    string
}

// Register creates a new account. Username and email are lowercased before
// storage so lookups are case-insensitive.
func (s *Service) Register(ctx context.Context, params RegisterParams) (Account, error) {
	username := normalizeLower(params.Username)
	email := normalizeLower(params.Email)
	displayName := normalize(params.DisplayName)

	if username == "" || email == "" || displayName == "" {
		return Account{}, fmt.Errorf("%w: all fields are required", ErrInvalidAccount)
	}
	if strings.ContainsAny(username, " \t_") {
		return Account{}, fmt.Errorf("%w: username contains reserved characters", ErrInvalidAccount)
	}
	if !strings.Contains(email, "@") {
		return Account{}, fmt.Errorf("%w: malformed email", ErrInvalidAccount)
	}
	if len(params.Password) < minPasswordLength {
		return Account{}, fmt.Errorf("%w: password shorter than %d characters", ErrInvalidAccount, minPasswordLength)
	}

	var existing Account
	err := s.db.WithContext(ctx).
		Where("username = ? OR email = ?", username, email).
		First(&existing).Error
	if err == nil {
		return Account{}, ErrDuplicateAccount
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, err
	}
	userID, err := s.idProvider.NewID()
	if err != nil {
		return Account{}, err
	}

	account := Account{
		UserID:       userID,
		Username:     username,
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		// A concurrent registration may slip past the lookup; surface the
		// unique-index violation as the same duplicate error.
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return Account{}, ErrDuplicateAccount
		}
		s.logger.Error("account insert failed", zap.Error(err))
		return Account{}, err
	}
	return account, nil
}

// Authenticate checks credentials against the stored hash. The identifier
// may be a username or an email address.
func (s *Service) Authenticate(ctx context.Context, identifier, password string) (Account, error) {
	lookup := normalizeLower(identifier)
	if lookup == "" || password == "" {
		return Account{}, ErrInvalidCredentials
	}

	var account Account
	err := s.db.WithContext(ctx).
		Where("username = ? OR email = ?", lookup, lookup).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return Account{}, ErrInvalidCredentials
	}
	return account, nil
}

// Resolve returns the profile for a known user id.
func (s *Service) Resolve(ctx context.Context, userID string) (Profile, error) {
	trimmed := normalize(userID)
	if trimmed == "" {
		return Profile{}, fmt.Errorf("%w: empty id", ErrAccountNotFound)
	}

	var account Account
	err := s.db.WithContext(ctx).
		Where("user_id = ?", trimmed).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, fmt.Errorf("%w: %s", ErrAccountNotFound, trimmed)
	}
	if err != nil {
		return Profile{}, err
	}
	return account.Profile(), nil
}

// Search matches usernames and display names case-insensitively, excluding
// the searching user from the results.
func (s *Service) Search(ctx context.Context, query, excludeUserID string, limit int) ([]Profile, error) {
	trimmed := normalize(query)
	if len(trimmed) < minSearchLength {
		return nil, ErrInvalidQuery
	}
	if limit < 1 || limit > maxSearchLimit {
		limit = defaultSearchLimit
	}

	pattern := "%" + strings.ToLower(trimmed) + "%"
	tx := s.db.WithContext(ctx).
		Where("(LOWER(username) LIKE ? OR LOWER(display_name) LIKE ?)", pattern, pattern)
	if exclude := normalize(excludeUserID); exclude != "" {
		tx = tx.Where("user_id <> ?", exclude)
	}

	var accounts []Account
	if err := tx.Order("username ASC").Limit(limit).Find(&accounts).Error; err != nil {
		return nil, err
	}

	profiles := make([]Profile, 0, len(accounts))
	for _, account := range accounts {
		profiles = append(profiles, account.Profile())
	}
	return profiles, nil
}
