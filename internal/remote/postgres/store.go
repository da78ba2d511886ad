// Package postgres implements the request/response path of the remote
// contract against the message store's Postgres-backed data API.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justinron31/over/internal/domain"
	"github.com/justinron31/over/internal/remote"
)

const messageColumns = `id, sender_id, receiver_id, content, original_content,
		edited_at, read_at, deleted_at, deleted_by, created_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pgx pool and verifies the connection.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, remote.Transient("connect", err)
	}
	return pool, nil
}

func (s *Store) FetchAfter(ctx context.Context, userID, peerID uuid.UUID, after time.Time, limit int) ([]domain.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM direct_messages
		WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
			AND created_at > $3
		ORDER BY created_at ASC, id ASC
		LIMIT $4`, messageColumns)
	return s.fetch(ctx, query, userID, peerID, after, limit)
}

func (s *Store) FetchBefore(ctx context.Context, userID, peerID uuid.UUID, before *time.Time, limit int) ([]domain.Message, error) {
	var query string
	var args []any

	if before != nil {
		query = fmt.Sprintf(`
			SELECT %s
			FROM direct_messages
			WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
				AND created_at < $3
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, messageColumns)
		args = []any{userID, peerID, *before, limit}
	} else {
		query = fmt.Sprintf(`
			SELECT %s
			FROM direct_messages
			WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
			ORDER BY created_at DESC, id DESC
			LIMIT $3`, messageColumns)
		args = []any{userID, peerID, limit}
	}

	messages, err := s.fetch(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order (query returns DESC)
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Store) fetch(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, remote.Transient("fetch", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(
			&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.OriginalContent,
			&msg.EditedAt, &msg.ReadAt, &msg.DeletedAt, &msg.DeletedBy, &msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, remote.Transient("fetch", err)
	}
	return messages, nil
}

// Insert is create-or-replace keyed by the client-assigned id, so a
// resubmitted optimistic message never produces a duplicate row.
func (s *Store) Insert(ctx context.Context, msg domain.Message) error {
	query := `
		INSERT INTO direct_messages
			(id, sender_id, receiver_id, content, original_content,
			edited_at, read_at, deleted_at, deleted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			original_content = EXCLUDED.original_content,
			edited_at = EXCLUDED.edited_at,
			read_at = EXCLUDED.read_at,
			deleted_at = EXCLUDED.deleted_at,
			deleted_by = EXCLUDED.deleted_by`
	_, err := s.pool.Exec(ctx, query,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, msg.OriginalContent,
		msg.EditedAt, msg.ReadAt, msg.DeletedAt, msg.DeletedBy, msg.CreatedAt,
	)
	if err != nil {
		return remote.Transient("insert", err)
	}
	return nil
}

// Update applies the non-nil patch fields. Content, edit, and delete
// patches are scoped so that only the message sender can mutate the
// row; a pure read-receipt patch is scoped to the receiver instead.
func (s *Store) Update(ctx context.Context, patch domain.Patch) error {
	sets := make([]string, 0, 5)
	args := []any{patch.MessageID, patch.ActorID}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Content != nil {
		add("content", *patch.Content)
	}
	if patch.EditedAt != nil {
		add("edited_at", *patch.EditedAt)
	}
	if patch.ReadAt != nil {
		add("read_at", *patch.ReadAt)
	}
	if patch.DeletedAt != nil {
		add("deleted_at", *patch.DeletedAt)
	}
	if patch.DeletedBy != nil {
		add("deleted_by", *patch.DeletedBy)
	}
	if len(sets) == 0 {
		return nil
	}

	scope := "sender_id"
	if readOnlyPatch(patch) {
		scope = "receiver_id"
	}
	query := "UPDATE direct_messages SET " + joinSets(sets) + " WHERE id = $1 AND " + scope + " = $2"
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return remote.Transient("update", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, patch.MessageID)
	}
	return nil
}

// classifyMiss distinguishes "row missing" from "row owned by someone
// else" after a scoped update affected nothing.
func (s *Store) classifyMiss(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM direct_messages WHERE id = $1)`, id,
	).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !exists) {
		return remote.ErrNotFound
	}
	if err != nil {
		return remote.Transient("update", err)
	}
	return remote.ErrNotOwner
}

func readOnlyPatch(p domain.Patch) bool {
	return p.ReadAt != nil && p.Content == nil && p.EditedAt == nil &&
		p.DeletedAt == nil && p.DeletedBy == nil
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}
