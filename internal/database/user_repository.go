package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/example/remindme/pkg/models"
)

// ErrUserNotFound is returned when no user matches the lookup.
var ErrUserNotFound = errors.New("user not found")

// ErrDuplicateContact is returned when a contact address is already registered.
var ErrDuplicateContact = errors.New("contact address is already registered")

const userColumns = "id, name, contact_address, channel, preferred_hour, preferred_minute, active, is_admin, created_at, updated_at"

// UserRepository handles database operations for users
type UserRepository struct{}

// NewUserRepository creates a new repository instance
func NewUserRepository() *UserRepository {
	return &UserRepository{}
}

// Create inserts a new user and fills in its generated ID.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.Channel == "" {
		user.Channel = models.ChannelWhatsApp
	}

	if DB.DriverName() == "postgres" {
		query := `
			INSERT INTO users (name, contact_address, channel, preferred_hour, preferred_minute, active, is_admin)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at
		`
		err := DB.QueryRowxContext(ctx, query,
			user.Name, user.ContactAddress, user.Channel,
			user.PreferredHour, user.PreferredMinute, user.Active, user.IsAdmin,
		).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateContact
			}
			return fmt.Errorf("failed to create user: %v", err)
		}
		return nil
	}

	// SQLite has no RETURNING, so fetch the generated ID separately.
	res, err := DB.ExecContext(ctx, `
		INSERT INTO users (name, contact_address, channel, preferred_hour, preferred_minute, active, is_admin)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		user.Name, user.ContactAddress, user.Channel,
		user.PreferredHour, user.PreferredMinute, user.Active, user.IsAdmin,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateContact
		}
		return fmt.Errorf("failed to create user: %v", err)
	}

	user.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get user ID: %v", err)
	}
	return DB.GetContext(ctx, user, DB.Rebind("SELECT "+userColumns+" FROM users WHERE id = ?"), user.ID)
}

// GetByID returns a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := DB.GetContext(ctx, &user, DB.Rebind("SELECT "+userColumns+" FROM users WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by ID: %v", err)
	}
	return &user, nil
}

// GetByContact returns a user by contact address.
func (r *UserRepository) GetByContact(ctx context.Context, address string) (*models.User, error) {
	var user models.User
	err := DB.GetContext(ctx, &user, DB.Rebind("SELECT "+userColumns+" FROM users WHERE contact_address = ?"), address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by contact: %v", err)
	}
	return &user, nil
}

// GetAll returns all users, newest first.
func (r *UserRepository) GetAll(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := DB.SelectContext(ctx, &users, "SELECT "+userColumns+" FROM users ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %v", err)
	}
	return users, nil
}

// ListActive returns all users eligible for dispatch.
func (r *UserRepository) ListActive(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := DB.SelectContext(ctx, &users, DB.Rebind("SELECT "+userColumns+" FROM users WHERE active = ?"), true)
	if err != nil {
		return nil, fmt.Errorf("failed to get active users: %v", err)
	}
	return users, nil
}

// SetActive pauses or resumes reminders for a user.
func (r *UserRepository) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := DB.ExecContext(ctx,
		DB.Rebind("UPDATE users SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?"),
		active, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update user status: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %v", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdatePreferredTime changes the user's daily reminder time.
func (r *UserRepository) UpdatePreferredTime(ctx context.Context, id int64, hour, minute int) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("invalid preferred time %02d:%02d", hour, minute)
	}
	res, err := DB.ExecContext(ctx,
		DB.Rebind("UPDATE users SET preferred_hour = ?, preferred_minute = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?"),
		hour, minute, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update preferred time: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %v", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// isUniqueViolation detects a unique-constraint failure on either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres
}
