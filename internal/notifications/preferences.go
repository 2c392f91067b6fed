package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrPreferencesNotFound = errors.New("notification preferences not found")

// Preferences are a user's per-channel delivery settings.
type Preferences struct {
	UserID       string    `json:"user_id"`
	EmailEnabled bool      `json:"email_notification"`
	InAppEnabled bool      `json:"in_app_notification"`
	PushEnabled  bool      `json:"push_notification"`
	Timezone     string    `json:"timezone"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PreferenceStore looks up and saves preferences.
type PreferenceStore interface {
	FindPreferences(ctx context.Context, userID string) (*Preferences, error)
	UpsertPreferences(ctx context.Context, p *Preferences) error
}

// PreferencesStore reads and writes notification_settings.
type PreferencesStore struct {
	pool *pgxpool.Pool
}

func NewPreferencesStore(pool *pgxpool.Pool) *PreferencesStore {
	return &PreferencesStore{pool: pool}
}

// FindPreferences returns ErrPreferencesNotFound when the user has no row.
func (s *PreferencesStore) FindPreferences(ctx context.Context, userID string) (*Preferences, error) {
	var p Preferences
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, email_enabled, in_app_enabled, push_enabled, timezone, email, phone, updated_at
		 FROM notification_settings WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.EmailEnabled, &p.InAppEnabled, &p.PushEnabled, &p.Timezone, &p.Email, &p.Phone, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPreferencesNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find preferences: %w", err)
	}
	return &p, nil
}

// UpsertPreferences creates or replaces the user's settings row.
func (s *PreferencesStore) UpsertPreferences(ctx context.Context, p *Preferences) error {
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO notification_settings (user_id, email_enabled, in_app_enabled, push_enabled, timezone, email, phone)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE
		 SET email_enabled = EXCLUDED.email_enabled, in_app_enabled = EXCLUDED.in_app_enabled,
		     push_enabled = EXCLUDED.push_enabled, timezone = EXCLUDED.timezone,
		     email = EXCLUDED.email, phone = EXCLUDED.phone, updated_at = NOW()
		 RETURNING updated_at`,
		p.UserID, p.EmailEnabled, p.InAppEnabled, p.PushEnabled, p.Timezone, p.Email, p.Phone,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}
