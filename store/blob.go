package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrBlobNotFound is returned when no blob metadata exists for an ID.
var ErrBlobNotFound = errors.New("blob metadata not found")

// BlobMetadata stores metadata about a binary attachment persisted on disk
// by internal/blob, keyed by the UUID it was written under.
type BlobMetadata struct {
	ID           string
	Kind         string
	OriginalName string
	ContentType  string
	DiskName     string
	SizeBytes    int64
	CreatedAt    time.Time
}

// CreateBlob records one blob's metadata.
func (s *Store) CreateBlob(ctx context.Context, meta BlobMetadata) error {
	if strings.TrimSpace(meta.ID) == "" {
		return fmt.Errorf("blob id is required")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs(id, kind, original_name, content_type, disk_name, size_bytes, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.Kind, meta.OriginalName, meta.ContentType, meta.DiskName, meta.SizeBytes, meta.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert blob metadata: %w", err)
	}
	s.logger.Debug("blob metadata created", zap.String("blob_id", meta.ID), zap.Int64("size", meta.SizeBytes))
	return nil
}

// BlobByID returns blob metadata by its UUID.
func (s *Store) BlobByID(ctx context.Context, id string) (BlobMetadata, error) {
	var meta BlobMetadata
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, original_name, content_type, disk_name, size_bytes, created_at FROM blobs WHERE id = ?`, id,
	).Scan(&meta.ID, &meta.Kind, &meta.OriginalName, &meta.ContentType, &meta.DiskName, &meta.SizeBytes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BlobMetadata{}, ErrBlobNotFound
	}
	if err != nil {
		return BlobMetadata{}, fmt.Errorf("query blob metadata: %w", err)
	}
	meta.CreatedAt = time.Unix(createdAt, 0).UTC()
	return meta, nil
}

// MessageRow is a persisted chat message scoped to one channel.
type MessageRow struct {
	ID        int64
	ChannelID int64
	UserID    string
	Username  string
	Body      string
	CreatedAt int64
	FileID    string
	FileName  string
	FileSize  int64
}

// InsertMessage persists a chat message and returns the assigned ID.
func (s *Store) InsertMessage(ctx context.Context, channelID int64, userID, username, body string, ts int64, fileID, fileName string, fileSize int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(channel_id, user_id, username, body, created_at, file_id, file_name, file_size)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		channelID, userID, username, body, ts, fileID, fileName, fileSize,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, _ := res.LastInsertId()
	s.logger.Debug("message persisted", zap.Int64("msg_id", id), zap.Int64("channel_id", channelID))
	return id, nil
}

// GetMessages returns the most recent messages for a channel, oldest first.
func (s *Store) GetMessages(ctx context.Context, channelID int64, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, user_id, username, body, created_at, file_id, file_name, file_size
		 FROM messages WHERE channel_id = ? ORDER BY id DESC LIMIT ?`, channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.UserID, &m.Username, &m.Body, &m.CreatedAt, &m.FileID, &m.FileName, &m.FileSize); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

// ReactionRow is a single reaction record.
type ReactionRow struct {
	MessageID int64
	UserID    string
	Emoji     string
}

// AddReaction persists a reaction; re-adding the same (message, user, emoji)
// triple is a no-op.
func (s *Store) AddReaction(ctx context.Context, messageID int64, userID, emoji string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO reactions(message_id, user_id, emoji) VALUES(?, ?, ?)`,
		messageID, userID, emoji,
	)
	return err
}

// RemoveReaction deletes a reaction.
func (s *Store) RemoveReaction(ctx context.Context, messageID int64, userID, emoji string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		messageID, userID, emoji,
	)
	return err
}

// GetReactionsForMessages returns reactions grouped by message ID.
func (s *Store) GetReactionsForMessages(ctx context.Context, messageIDs []int64) (map[int64][]ReactionRow, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(messageIDs))
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	q := `SELECT message_id, user_id, emoji FROM reactions WHERE message_id IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()

	result := make(map[int64][]ReactionRow)
	for rows.Next() {
		var r ReactionRow
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		result[r.MessageID] = append(result[r.MessageID], r)
	}
	return result, rows.Err()
}
