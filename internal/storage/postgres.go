package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mewayz/fabric/pkg/models"
)

// NewPostgresStoresFromDSN creates Postgres-backed stores using a DSN. The
// users table belongs to the platform; the notifications table is created on
// demand.
func NewPostgresStoresFromDSN(dsn string, config *PostgresConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	inbox := &postgresInboxStore{db: db}
	if err := inbox.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, err
	}
	directory := &postgresUserDirectory{db: db}
	return StoreSet{
		Users:    directory,
		Presence: directory,
		Inbox:    inbox,
		closers:  []func() error{db.Close},
	}, nil
}

const userColumns = `id, name, email, COALESCE(phone, ''), role, plan, COALESCE(organization_id, ''), status,
	preferences, device_tokens, COALESCE(presence_status, ''), COALESCE(presence_activity, ''), last_seen_at,
	created_at, updated_at`

type postgresUserDirectory struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user             models.User
		role, plan       string
		status           string
		prefs            []byte
		tokens           []string
		presenceStatus   string
		presenceActivity string
		lastSeen         sql.NullTime
	)
	if err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.Phone,
		&role,
		&plan,
		&user.OrganizationID,
		&status,
		&prefs,
		pq.Array(&tokens),
		&presenceStatus,
		&presenceActivity,
		&lastSeen,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	user.Role = models.Role(role)
	user.Plan = models.Plan(plan)
	user.Status = models.UserStatus(status)
	user.DeviceTokens = tokens
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &user.Preferences); err != nil {
			return nil, fmt.Errorf("unmarshal preferences: %w", err)
		}
	}
	if presenceStatus != "" {
		user.Presence = &models.Presence{Status: presenceStatus, Activity: presenceActivity}
		if lastSeen.Valid {
			user.Presence.LastSeen = lastSeen.Time
		}
	}
	return &user, nil
}

func (s *postgresUserDirectory) GetUser(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *postgresUserDirectory) ListByOrganization(ctx context.Context, organizationID string) ([]*models.User, error) {
	if organizationID == "" {
		return nil, nil
	}
	return s.list(ctx, "list organization users",
		`SELECT `+userColumns+` FROM users WHERE organization_id = $1 AND status = 'active' ORDER BY id`,
		organizationID)
}

func (s *postgresUserDirectory) ListByRole(ctx context.Context, role models.Role, organizationID string) ([]*models.User, error) {
	return s.list(ctx, "list role users",
		`SELECT `+userColumns+` FROM users
		 WHERE lower(role) = lower($1) AND status = 'active' AND ($2 = '' OR organization_id = $2)
		 ORDER BY id`,
		string(role), organizationID)
}

func (s *postgresUserDirectory) list(ctx context.Context, op, query string, args ...any) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return users, nil
}

func (s *postgresUserDirectory) UpdatePresence(ctx context.Context, userID string, presence models.Presence) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET presence_status = $2, presence_activity = $3, last_seen_at = $4, updated_at = $4 WHERE id = $1`,
		userID, presence.Status, presence.Activity, presence.LastSeen)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const inboxSchema = `CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	organization_id TEXT,
	type TEXT NOT NULL,
	title TEXT NOT NULL,
	message TEXT NOT NULL,
	payload JSONB,
	priority TEXT NOT NULL,
	channels TEXT[] NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	read_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS notifications_user_created_idx ON notifications (user_id, created_at DESC)`

const inboxColumns = `id, user_id, COALESCE(organization_id, ''), type, title, message, payload, priority, channels,
	created_at, expires_at, read_at`

type postgresInboxStore struct {
	db *sql.DB
}

func (s *postgresInboxStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, inboxSchema); err != nil {
		return fmt.Errorf("create notifications table: %w", err)
	}
	return nil
}

func (s *postgresInboxStore) Store(ctx context.Context, notification *models.Notification) error {
	if notification == nil || notification.ID == "" {
		return fmt.Errorf("notification is required")
	}
	payload, err := json.Marshal(notification.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, organization_id, type, title, message, payload, priority, channels, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		notification.ID,
		notification.UserID,
		notification.OrganizationID,
		string(notification.Type),
		notification.Title,
		notification.Message,
		payload,
		string(notification.Priority),
		pq.Array(channelNames(notification.Channels)),
		notification.CreatedAt,
		notification.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store notification: %w", err)
	}
	return nil
}

func (s *postgresInboxStore) List(ctx context.Context, userID string, opts ListOptions) ([]*models.InboxItem, int, error) {
	opts = opts.Normalized()
	where := []string{"user_id = $1"}
	args := []any{userID}
	if opts.UnreadOnly {
		where = append(where, "read_at IS NULL")
	}
	if opts.Type != "" {
		args = append(args, string(opts.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	args = append(args, opts.Limit, opts.Offset)
	query := fmt.Sprintf(`SELECT %s FROM notifications WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		inboxColumns, clause, len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]*models.InboxItem, 0)
	for rows.Next() {
		item, err := scanInboxItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list notifications: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	return items, total, nil
}

func (s *postgresInboxStore) MarkRead(ctx context.Context, notificationID, userID string, at time.Time) (*models.InboxItem, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, $3) WHERE id = $1 AND user_id = $2 RETURNING `+inboxColumns,
		notificationID, userID, at)
	item, err := scanInboxItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	return item, nil
}

func scanInboxItem(row rowScanner) (*models.InboxItem, error) {
	var (
		item      models.InboxItem
		kind      string
		priority  string
		payload   []byte
		channels  []string
		expiresAt sql.NullTime
		readAt    sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.OrganizationID,
		&kind,
		&item.Title,
		&item.Message,
		&payload,
		&priority,
		pq.Array(&channels),
		&item.CreatedAt,
		&expiresAt,
		&readAt,
	); err != nil {
		return nil, err
	}
	item.Type = models.NotificationType(kind)
	item.Priority = models.Priority(priority)
	for _, name := range channels {
		item.Channels = append(item.Channels, models.Channel(name))
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &item.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		item.ExpiresAt = &t
	}
	if readAt.Valid {
		t := readAt.Time
		item.ReadAt = &t
	}
	return &item, nil
}

func channelNames(channels []models.Channel) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		out = append(out, string(ch))
	}
	return out
}
