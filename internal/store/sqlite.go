// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                   TEXT PRIMARY KEY,
			user_id              TEXT NOT NULL,
			admin_id             TEXT,
			status               TEXT NOT NULL DEFAULT 'open',
			priority             TEXT NOT NULL DEFAULT 'normal',
			type                 TEXT NOT NULL DEFAULT 'support',
			subject              TEXT NOT NULL,
			context              TEXT,
			transferred_from     TEXT,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL,

			CHECK (status IN ('open', 'in_progress', 'transferred', 'closed')),
			CHECK (priority IN ('low', 'normal', 'high', 'urgent')),
			CHECK (type IN ('support', 'ai_handoff'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC);
		CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status, updated_at DESC);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id       TEXT NOT NULL,
			sender_type     TEXT NOT NULL,
			content         TEXT NOT NULL,
			type            TEXT NOT NULL DEFAULT 'text',
			metadata        TEXT,
			created_at      TEXT NOT NULL,
			read_at         TEXT,

			CHECK (sender_type IN ('user', 'admin', 'system')),
			CHECK (type IN ('text', 'system', 'handoff', 'file'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages(conversation_id, read_at);

		CREATE TABLE IF NOT EXISTS participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			user_id         TEXT NOT NULL,
			role            TEXT NOT NULL DEFAULT 'participant',
			joined_at       TEXT NOT NULL,
			last_read_at    TEXT,

			PRIMARY KEY (conversation_id, user_id),
			CHECK (role IN ('participant', 'admin', 'observer'))
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// Migration: Add metadata column to messages (pre-handoff databases)
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'metadata'`,
			apply:  `ALTER TABLE messages ADD COLUMN metadata TEXT`,
			column: "metadata",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('conversations') WHERE name = 'transferred_from'`,
			apply:  `ALTER TABLE conversations ADD COLUMN transferred_from TEXT`,
			column: "transferred_from",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// fmtTime formats a timestamp for storage. RFC3339Nano keeps sub-second
// ordering for messages committed in the same second.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateConversation inserts a conversation and its creator participant row
// in a single transaction.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, admin_id, status, priority, type, subject, context, transferred_from, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.UserID,
		conv.AdminID,
		string(conv.Status),
		string(conv.Priority),
		string(conv.Type),
		conv.Subject,
		nullIfEmpty(conv.Context),
		conv.TransferredFrom,
		fmtTime(conv.CreatedAt),
		fmtTime(conv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO participants (conversation_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
	`,
		conv.ID,
		conv.UserID,
		string(RoleParticipant),
		fmtTime(conv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting creator participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "user_id", conv.UserID, "type", conv.Type)
	return nil
}

const conversationColumns = `id, user_id, admin_id, status, priority, type, subject, context, transferred_from, created_at, updated_at`

// scanConversation reads one conversation row from a row scanner.
func scanConversation(scan func(dest ...any) error) (*Conversation, error) {
	var conv Conversation
	var adminID, contextJSON, transferredFrom sql.NullString
	var createdAt, updatedAt string

	err := scan(
		&conv.ID,
		&conv.UserID,
		&adminID,
		&conv.Status,
		&conv.Priority,
		&conv.Type,
		&conv.Subject,
		&contextJSON,
		&transferredFrom,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if adminID.Valid {
		conv.AdminID = &adminID.String
	}
	if contextJSON.Valid {
		conv.Context = contextJSON.String
	}
	if transferredFrom.Valid {
		conv.TransferredFrom = &transferredFrom.String
	}

	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = ?
	`, id)

	conv, err := scanConversation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// UpdateConversationStatus moves a conversation from one status to another.
// The update is guarded by the expected prior status: if the conversation
// has moved concurrently, ErrStaleStatus is returned and nothing changes.
func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, id string, from, to Status) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), fmtTime(time.Now()), id, string(from))
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing conversation from a concurrent status change
		if _, getErr := s.GetConversation(ctx, id); getErr != nil {
			return getErr
		}
		return ErrStaleStatus
	}

	s.logger.Debug("updated conversation status", "id", id, "from", from, "to", to)
	return nil
}

// AssignConversationToAdmin sets the admin, moves the conversation to
// in_progress, and adds the admin as a participant, all in one transaction.
// The update is guarded on status=open so concurrent assignments cannot
// both succeed; the loser gets ErrStaleStatus.
func (s *SQLiteStore) AssignConversationToAdmin(ctx context.Context, id, adminID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET admin_id = ?, status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, adminID, string(StatusInProgress), fmtTime(now), id, string(StatusOpen))
	if err != nil {
		return fmt.Errorf("assigning conversation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetConversation(ctx, id); getErr != nil {
			return getErr
		}
		return ErrStaleStatus
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO participants (conversation_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET role = excluded.role
	`, id, adminID, string(RoleAdmin), fmtTime(now))
	if err != nil {
		return fmt.Errorf("inserting admin participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing assignment: %w", err)
	}

	s.logger.Debug("assigned conversation", "id", id, "admin_id", adminID)
	return nil
}

// listConversations runs a query returning conversation rows.
func (s *SQLiteStore) listConversations(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// GetUserConversations retrieves a user's conversations ordered by most
// recent activity. List views sort by updated_at, which AddMessage bumps
// transactionally so ordering never lags behind the last message.
func (s *SQLiteStore) GetUserConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	return s.listConversations(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, userID, clampLimit(limit))
}

// GetAdminConversations retrieves conversations for the admin dashboard,
// optionally filtered by status. An empty status returns all.
func (s *SQLiteStore) GetAdminConversations(ctx context.Context, status Status, limit int) ([]*Conversation, error) {
	if status == "" {
		return s.listConversations(ctx, `
			SELECT `+conversationColumns+`
			FROM conversations
			ORDER BY updated_at DESC
			LIMIT ?
		`, clampLimit(limit))
	}
	return s.listConversations(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, string(status), clampLimit(limit))
}

// SearchConversations finds conversations whose subject or message content
// matches the query.
func (s *SQLiteStore) SearchConversations(ctx context.Context, query string, limit int) ([]*Conversation, error) {
	pattern := "%" + query + "%"
	return s.listConversations(ctx, `
		SELECT DISTINCT `+qualifiedConversationColumns+`
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.subject LIKE ? OR m.content LIKE ?
		ORDER BY c.updated_at DESC
		LIMIT ?
	`, pattern, pattern, clampLimit(limit))
}

const qualifiedConversationColumns = `c.id, c.user_id, c.admin_id, c.status, c.priority, c.type, c.subject, c.context, c.transferred_from, c.created_at, c.updated_at`

// GetConversationStats aggregates conversation counts by status and priority.
func (s *SQLiteStore) GetConversationStats(ctx context.Context) (*ConversationStats, error) {
	stats := &ConversationStats{ByPriority: make(map[Priority]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, priority, COUNT(*)
		FROM conversations
		GROUP BY status, priority
	`)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, priority string
		var count int
		if err := rows.Scan(&status, &priority, &count); err != nil {
			return nil, fmt.Errorf("scanning stats: %w", err)
		}
		stats.Total += count
		switch Status(status) {
		case StatusOpen:
			stats.Open += count
		case StatusInProgress:
			stats.InProgress += count
		case StatusClosed:
			stats.Closed += count
		}
		stats.ByPriority[Priority(priority)] += count
	}
	return stats, rows.Err()
}

// AddMessage inserts a message and bumps the conversation's updated_at in
// the same transaction, so list ordering never lags behind the last message.
func (s *SQLiteStore) AddMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, sender_type, content, type, metadata, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		string(msg.SenderType),
		msg.Content,
		msg.Type,
		nullIfEmpty(msg.Metadata),
		fmtTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, fmtTime(msg.CreatedAt), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("bumping conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("added message", "id", msg.ID, "conversation_id", msg.ConversationID, "type", msg.Type)
	return nil
}

// GetConversationMessages retrieves messages in commit order.
// The rowid tiebreak keeps messages committed within the same instant in
// insertion order, matching broadcast order.
func (s *SQLiteStore) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, sender_type, content, type, metadata, created_at, read_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, rowid
		LIMIT ?
	`, conversationID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		var metadata, readAt sql.NullString
		var createdAt string
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.SenderType,
			&msg.Content,
			&msg.Type,
			&metadata,
			&createdAt,
			&readAt,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if metadata.Valid {
			msg.Metadata = metadata.String
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if msg.ReadAt, err = parseTimePtr(readAt); err != nil {
			return nil, fmt.Errorf("parsing read_at: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// MarkMessagesAsRead sets read_at on all unread messages authored by other
// senders and updates the reader's last_read_at, in one transaction.
// Returns the number of messages marked.
func (s *SQLiteStore) MarkMessagesAsRead(ctx context.Context, conversationID, userID string, at time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET read_at = ?
		WHERE conversation_id = ? AND sender_id != ? AND read_at IS NULL
	`, fmtTime(at), conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}

	marked, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE participants
		SET last_read_at = ?
		WHERE conversation_id = ? AND user_id = ?
	`, fmtTime(at), conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("updating last_read_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing read marks: %w", err)
	}

	s.logger.Debug("marked messages read", "conversation_id", conversationID, "user_id", userID, "count", marked)
	return marked, nil
}

// UnreadCount counts messages in a conversation authored by others and not
// yet read. This is the single definition used by both summary and detail
// consumers.
func (s *SQLiteStore) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND read_at IS NULL
	`, conversationID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return count, nil
}

// UnreadCountsForUser returns unread counts per conversation for every
// conversation the user participates in. Used by the periodic unread
// reconciliation.
func (s *SQLiteStore) UnreadCountsForUser(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.conversation_id, COUNT(m.id)
		FROM participants p
		LEFT JOIN messages m
			ON m.conversation_id = p.conversation_id
			AND m.sender_id != p.user_id
			AND m.read_at IS NULL
		WHERE p.user_id = ?
		GROUP BY p.conversation_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying unread counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var convID string
		var count int
		if err := rows.Scan(&convID, &count); err != nil {
			return nil, fmt.Errorf("scanning unread count: %w", err)
		}
		counts[convID] = count
	}
	return counts, rows.Err()
}

// AddParticipant adds a user to a conversation.
// Returns ErrDuplicateParticipant if the user is already a participant.
func (s *SQLiteStore) AddParticipant(ctx context.Context, p *Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (conversation_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
	`, p.ConversationID, p.UserID, string(p.Role), fmtTime(p.JoinedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateParticipant
		}
		return fmt.Errorf("inserting participant: %w", err)
	}

	s.logger.Debug("added participant", "conversation_id", p.ConversationID, "user_id", p.UserID, "role", p.Role)
	return nil
}

// GetParticipant retrieves a participant record.
// Returns ErrNotFound if the user is not a participant of the conversation.
func (s *SQLiteStore) GetParticipant(ctx context.Context, conversationID, userID string) (*Participant, error) {
	var p Participant
	var joinedAt string
	var lastReadAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, role, joined_at, last_read_at
		FROM participants
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(
		&p.ConversationID,
		&p.UserID,
		&p.Role,
		&joinedAt,
		&lastReadAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying participant: %w", err)
	}

	if p.JoinedAt, err = parseTime(joinedAt); err != nil {
		return nil, fmt.Errorf("parsing joined_at: %w", err)
	}
	if p.LastReadAt, err = parseTimePtr(lastReadAt); err != nil {
		return nil, fmt.Errorf("parsing last_read_at: %w", err)
	}
	return &p, nil
}

// ListParticipants lists all participants of a conversation.
func (s *SQLiteStore) ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, role, joined_at, last_read_at
		FROM participants
		WHERE conversation_id = ?
		ORDER BY joined_at
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		var p Participant
		var joinedAt string
		var lastReadAt sql.NullString
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Role, &joinedAt, &lastReadAt); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		if p.JoinedAt, err = parseTime(joinedAt); err != nil {
			return nil, fmt.Errorf("parsing joined_at: %w", err)
		}
		if p.LastReadAt, err = parseTimePtr(lastReadAt); err != nil {
			return nil, fmt.Errorf("parsing last_read_at: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// nullIfEmpty converts an empty string to a SQL NULL.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
