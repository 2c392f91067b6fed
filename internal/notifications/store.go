package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotificationNotFound = errors.New("notification not found")

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Notification is an in-app notification record.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Read      bool            `json:"read"`
	ReadAt    *time.Time      `json:"read_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListParams holds filters, sorting and pagination for List.
type ListParams struct {
	UserID  string
	Type    string
	Read    *bool // nil = all
	Limit   int
	Offset  int
	SortBy  string
	SortDir string
}

// sortColumns whitelists the columns List may order by.
var sortColumns = map[string]string{
	"created_at": "created_at",
	"read":       "read",
	"type":       "type",
	"title":      "title",
}

func (p *ListParams) normalize() {
	if p.Limit <= 0 {
		p.Limit = defaultListLimit
	}
	if p.Limit > maxListLimit {
		p.Limit = maxListLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if _, ok := sortColumns[p.SortBy]; !ok {
		p.SortBy = "created_at"
	}
	if strings.EqualFold(p.SortDir, "asc") {
		p.SortDir = "ASC"
	} else {
		p.SortDir = "DESC"
	}
}

// buildListQuery returns the page query, the count query and their shared
// filter arguments. The page query takes limit and offset as two extra
// trailing arguments.
func buildListQuery(p ListParams) (query, countQuery string, args []any) {
	where := ` WHERE user_id = $1 AND deleted_at IS NULL`
	args = []any{p.UserID}

	if p.Type != "" {
		args = append(args, p.Type)
		where += ` AND type = $` + strconv.Itoa(len(args))
	}
	if p.Read != nil {
		args = append(args, *p.Read)
		where += ` AND read = $` + strconv.Itoa(len(args))
	}

	countQuery = `SELECT COUNT(*) FROM notifications` + where
	query = `SELECT id, user_id, type, title, message, data, read, read_at, created_at FROM notifications` +
		where +
		` ORDER BY ` + sortColumns[p.SortBy] + ` ` + p.SortDir + `, id ` + p.SortDir +
		` LIMIT $` + strconv.Itoa(len(args)+1) +
		` OFFSET $` + strconv.Itoa(len(args)+2)
	return query, countQuery, args
}

// NotificationStore provides CRUD operations for the notifications table.
type NotificationStore struct {
	pool *pgxpool.Pool
}

func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

// Create inserts n and fills in its ID and CreatedAt.
func (s *NotificationStore) Create(ctx context.Context, n *Notification) error {
	if len(n.Data) == 0 {
		n.Data = json.RawMessage("{}")
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO notifications (user_id, type, title, message, data)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		n.UserID, n.Type, n.Title, n.Message, n.Data,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// FindByID returns a non-deleted notification owned by userID.
func (s *NotificationStore) FindByID(ctx context.Context, userID, id string) (*Notification, error) {
	var n Notification
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, type, title, message, data, read, read_at, created_at
		 FROM notifications WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		id, userID,
	).Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Data, &n.Read, &n.ReadAt, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find notification: %w", err)
	}
	return &n, nil
}

// List returns one page of notifications and the total matching count.
func (s *NotificationStore) List(ctx context.Context, params ListParams) ([]Notification, int, error) {
	params.normalize()
	query, countQuery, args := buildListQuery(params)

	var total int
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, append(args, params.Limit, params.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications := []Notification{}
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Data, &n.Read, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, 0, err
		}
		notifications = append(notifications, n)
	}
	return notifications, total, rows.Err()
}

// MarkRead marks a single notification as read for the given user.
func (s *NotificationStore) MarkRead(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET read = true, read_at = COALESCE(read_at, NOW())
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// MarkAllRead marks every unread notification of userID as read and returns
// how many changed.
func (s *NotificationStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET read = true, read_at = NOW()
		 WHERE user_id = $1 AND read = false AND deleted_at IS NULL`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SoftDelete hides a notification from every read path.
func (s *NotificationStore) SoftDelete(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET deleted_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// UnreadCount returns the number of unread notifications for a user.
func (s *NotificationStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read = false AND deleted_at IS NULL`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}
