package users

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/annolab/picturedesk/internal/auth"
	"gorm.io/gorm"
)

const minPasswordLength = 8

var (
	// ErrInvalidEmail indicates the supplied email address is not usable.
	ErrInvalidEmail = errors.New("users: invalid email")
	// ErrWeakPassword indicates the supplied password fails the minimum policy.
	ErrWeakPassword = errors.New("users: password too short")
	// ErrEmailTaken indicates an account already exists for the email.
	ErrEmailTaken = errors.New("users: email already registered")
	// ErrInvalidCredentials indicates the email/password pair did not match an account.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrUserNotFound indicates no account exists for the identifier.
	ErrUserNotFound = errors.New("users: user not found")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages annotator accounts and credential verification.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Register validates the credentials, stores a new account and returns it.
func (s *Service) Register(ctx context.Context, email, password string) (User, error) {
	normalized := NormalizeEmail(email)
	if !emailPattern.MatchString(normalized) {
		return User{}, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return User{}, fmt.Errorf("%w: need at least %d characters", ErrWeakPassword, minPasswordLength)
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", normalized).Count(&count).Error; err != nil {
		return User{}, err
	}
	if count > 0 {
		return User{}, ErrEmailTaken
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return User{}, err
	}

	account := User{
		Email:        normalized,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return User{}, err
	}
	return account, nil
}

// Authenticate verifies the email/password pair and returns the matching account.
// Unknown emails and wrong passwords fail identically.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	normalized := NormalizeEmail(email)

	var account User
	err := s.db.WithContext(ctx).Where("email = ?", normalized).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if !auth.VerifyPassword(password, account.PasswordHash) {
		return User{}, ErrInvalidCredentials
	}
	return account, nil
}

// GetByID loads an account by its identifier.
func (s *Service) GetByID(ctx context.Context, userID uint) (User, error) {
	var account User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return account, nil
}

// Profile summarizes an account together with its annotation workload.
type Profile struct {
	User           User
	AssignedCount  int64
	CompletedCount int64
}

// ProfileByID loads an account and counts its assigned items and completed annotations.
func (s *Service) ProfileByID(ctx context.Context, userID uint) (Profile, error) {
	account, err := s.GetByID(ctx, userID)
	if err != nil {
		return Profile{}, err
	}

	profile := Profile{User: account}
	if err := s.db.WithContext(ctx).
		Table("item_assignments").
		Where("user_id = ?", userID).
		Count(&profile.AssignedCount).Error; err != nil {
		return Profile{}, err
	}
	if err := s.db.WithContext(ctx).
		Table("annotations").
		Where("user_id = ? AND completed = ?", userID, true).
		Count(&profile.CompletedCount).Error; err != nil {
		return Profile{}, err
	}
	return profile, nil
}
