package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

const recentMessagesQuery = `
	SELECT
			m.id,
			m.seq_id,
			m.chat_id,
			m.sender_id,
			COALESCE(u.username, ''),
			m.content,
			m.type,
			m.created_at
	FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id
	WHERE m.chat_id = $1
	ORDER BY m.seq_id DESC
	LIMIT $2;
`

func (db *PgStore) Append(ctx context.Context, params AppendParams) (msg Message, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()

	// the row lock on the chat serializes appends to the same room
	var seqId int64
	err = tx.QueryRowContext(ctx,
		"UPDATE chats SET seq_id = seq_id + 1, updated_at = $2 WHERE id = $1 RETURNING seq_id",
		params.RoomId,
		now,
	).Scan(&seqId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrRoomNotFound
		}
		return Message{}, fmt.Errorf("bump seq id: %w", err)
	}

	msg = Message{
		SeqId:      seqId,
		RoomId:     params.RoomId,
		SenderId:   params.SenderId,
		SenderName: params.SenderName,
		Content:    params.Content,
		Type:       params.Type,
	}

	err = tx.QueryRowContext(ctx,
		"INSERT INTO messages (chat_id, seq_id, sender_id, content, type, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at",
		msg.RoomId,
		msg.SeqId,
		msg.SenderId,
		msg.Content,
		msg.Type,
		now,
	).Scan(&msg.Id, &msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	var username sql.NullString
	err = tx.QueryRowContext(ctx, "SELECT username FROM users WHERE id = $1", msg.SenderId).Scan(&username)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("sender lookup: %w", err)
	}
	if username.Valid {
		msg.SenderName = username.String
	}

	if err = tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit: %w", err)
	}

	return msg, nil
}

func (db *PgStore) Recent(ctx context.Context, roomId string, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}

	rows, err := db.conn.QueryContext(ctx, recentMessagesQuery, roomId, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		err := rows.Scan(
			&msg.Id,
			&msg.SeqId,
			&msg.RoomId,
			&msg.SenderId,
			&msg.SenderName,
			&msg.Content,
			&msg.Type,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

func (db *PgStore) IsMember(ctx context.Context, userId, roomId string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)",
		roomId,
		userId,
	).Scan(&exists)

	return exists, err
}
