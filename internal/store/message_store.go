package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mail-archiver/internal/model"
)

// messageColumns excludes the untruncated originals, which are only
// loaded by GetMessage.
const messageColumns = `
	id, account_id, dedup_key, message_id, fingerprint, subject,
	from_addrs, to_addrs, cc_addrs, bcc_addrs,
	sent_at, received_at, direction, folder,
	body, html_body, truncated, size, archived_at`

const qualifiedMessageColumns = `
	m.id, m.account_id, m.dedup_key, m.message_id, m.fingerprint, m.subject,
	m.from_addrs, m.to_addrs, m.cc_addrs, m.bcc_addrs,
	m.sent_at, m.received_at, m.direction, m.folder,
	m.body, m.html_body, m.truncated, m.size, m.archived_at`

// InsertMessage stores msg and its attachments in one transaction unless
// a message with the same (account, dedup key) already exists, in which
// case nothing is written and created is false.
func (s *SQLiteStore) InsertMessage(
	ctx context.Context,
	msg *model.ArchivedMessage,
) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.ArchivedAt.IsZero() {
		msg.ArchivedAt = time.Now().UTC()
	}

	lists := make([]string, 0, 4)
	for _, l := range [][]string{msg.From, msg.To, msg.Cc, msg.Bcc} {
		encoded, err := marshalList(l)
		if err != nil {
			return false, fmt.Errorf("marshaling addresses: %w", err)
		}
		lists = append(lists, encoded)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, account_id, dedup_key, message_id, fingerprint, subject,
			from_addrs, to_addrs, cc_addrs, bcc_addrs,
			sent_at, sent_ms, received_at, direction, folder,
			body, html_body, body_original, html_original,
			truncated, size, archived_at
		) VALUES (
			?, ?, ?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?
		)
		ON CONFLICT(account_id, dedup_key) DO NOTHING`,
		msg.ID, msg.AccountID, msg.DedupKey, msg.MessageID, msg.Fingerprint, msg.Subject,
		lists[0], lists[1], lists[2], lists[3],
		msg.SentAt.UTC(), msg.SentAt.UnixMilli(), msg.ReceivedAt.UTC(),
		string(msg.Direction), msg.Folder,
		msg.Body, msg.HTMLBody, msg.BodyOriginal, msg.HTMLOriginal,
		boolToInt(msg.Truncated), msg.Size, msg.ArchivedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("inserting message %s: %w", msg.DedupKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if len(msg.Attachments) > 0 {
		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO attachments (
				id, message_id, filename, content_type, content_id, inline, size, content
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return false, fmt.Errorf("preparing attachment insert: %w", err)
		}
		defer stmt.Close()

		for i := range msg.Attachments {
			a := &msg.Attachments[i]
			if a.ID == "" {
				a.ID = uuid.New().String()
			}
			a.MessageID = msg.ID
			if a.Size == 0 {
				a.Size = int64(len(a.Content))
			}
			_, err := stmt.ExecContext(ctx,
				a.ID, a.MessageID, a.Filename, a.ContentType, a.ContentID,
				boolToInt(a.Inline), a.Size, a.Content,
			)
			if err != nil {
				return false, fmt.Errorf("inserting attachment %s: %w", a.Filename, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing message %s: %w", msg.DedupKey, err)
	}
	return true, nil
}

// MessageExists reports whether (accountID, dedupKey) is archived.
func (s *SQLiteStore) MessageExists(
	ctx context.Context,
	accountID, dedupKey string,
) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM messages WHERE account_id = ? AND dedup_key = ?",
		accountID, dedupKey,
	)
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", dedupKey, err)
	}
	return count > 0, nil
}

// FindSimilar reports whether the account holds a message with the same
// fingerprint sent within the tolerance window.
func (s *SQLiteStore) FindSimilar(ctx context.Context, q SimilarQuery) (bool, error) {
	if q.Fingerprint == "" {
		return false, nil
	}

	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM messages
		WHERE account_id = ? AND fingerprint = ?
		  AND sent_ms BETWEEN ? AND ?`,
		q.AccountID, q.Fingerprint,
		q.SentAt.Add(-q.Tolerance).UnixMilli(),
		q.SentAt.Add(q.Tolerance).UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("querying similar messages: %w", err)
	}
	return count > 0, nil
}

// GetMessage retrieves a message with its originals and attachments.
func (s *SQLiteStore) GetMessage(
	ctx context.Context,
	id string,
) (*model.ArchivedMessage, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT"+messageColumns+", body_original, html_original FROM messages WHERE id = ?", id)

	msg, err := scanMessage(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, message_id, filename, content_type, content_id, inline, size, content
		FROM attachments WHERE message_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("querying attachments of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a      model.Attachment
			inline int
		)
		if err := rows.Scan(
			&a.ID, &a.MessageID, &a.Filename, &a.ContentType,
			&a.ContentID, &inline, &a.Size, &a.Content,
		); err != nil {
			return nil, fmt.Errorf("scanning attachment row: %w", err)
		}
		a.Inline = inline != 0
		msg.Attachments = append(msg.Attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &msg, nil
}

// GetMessages retrieves message summaries matching the filter.
func (s *SQLiteStore) GetMessages(
	ctx context.Context,
	filter MessageFilter,
) ([]model.ArchivedMessage, error) {
	where, args := buildMessageWhere(filter)
	query := "SELECT" + messageColumns + " FROM messages" + where

	sortBy := "sent_at"
	allowedSorts := map[string]bool{
		"sent_at":     true,
		"archived_at": true,
		"subject":     true,
	}
	if allowedSorts[filter.SortBy] {
		sortBy = filter.SortBy
	}
	direction := "ASC"
	if filter.SortDesc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, direction)

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []model.ArchivedMessage
	for rows.Next() {
		msg, err := scanMessage(rows, false)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// CountMessages counts messages matching the filter.
func (s *SQLiteStore) CountMessages(
	ctx context.Context,
	filter MessageFilter,
) (int, error) {
	where, args := buildMessageWhere(filter)

	var count int
	if err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM messages"+where, args...); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

// SearchMessages runs a full-text query over subject, body and
// addresses. An empty accountID searches every account.
func (s *SQLiteStore) SearchMessages(
	ctx context.Context,
	accountID, query string,
	limit int,
) ([]model.ArchivedMessage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := "SELECT" + qualifiedMessageColumns + `
		FROM messages_fts
		JOIN messages m ON m.rowid = messages_fts.rowid
		WHERE messages_fts MATCH ?`
	args := []interface{}{query}
	if accountID != "" {
		q += " AND m.account_id = ?"
		args = append(args, accountID)
	}
	q += " ORDER BY messages_fts.rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()

	var messages []model.ArchivedMessage
	for rows.Next() {
		msg, err := scanMessage(rows, false)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// DeleteMessage removes a message; its attachments are removed by cascade.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

func buildMessageWhere(filter MessageFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter.AccountID != nil {
		conditions = append(conditions, "account_id = ?")
		args = append(args, *filter.AccountID)
	}
	if filter.Folder != nil {
		conditions = append(conditions, "folder = ?")
		args = append(args, *filter.Folder)
	}
	if filter.Direction != nil {
		conditions = append(conditions, "direction = ?")
		args = append(args, string(*filter.Direction))
	}
	if filter.Since != nil {
		conditions = append(conditions, "sent_ms >= ?")
		args = append(args, filter.Since.UnixMilli())
	}
	if filter.Before != nil {
		conditions = append(conditions, "sent_ms < ?")
		args = append(args, filter.Before.UnixMilli())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func scanMessage(row scanner, withOriginals bool) (model.ArchivedMessage, error) {
	var (
		msg                  model.ArchivedMessage
		from, to, cc, bcc    string
		direction            string
		truncated            int
		bodyOrig, htmlOrig   string
		sentAt, received, at time.Time
	)

	dest := []interface{}{
		&msg.ID, &msg.AccountID, &msg.DedupKey, &msg.MessageID, &msg.Fingerprint, &msg.Subject,
		&from, &to, &cc, &bcc,
		&sentAt, &received, &direction, &msg.Folder,
		&msg.Body, &msg.HTMLBody, &truncated, &msg.Size, &at,
	}
	if withOriginals {
		dest = append(dest, &bodyOrig, &htmlOrig)
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ArchivedMessage{}, err
		}
		return model.ArchivedMessage{}, fmt.Errorf("scanning message row: %w", err)
	}

	msg.SentAt = sentAt.UTC()
	msg.ReceivedAt = received.UTC()
	msg.ArchivedAt = at.UTC()
	msg.Direction = model.Direction(direction)
	msg.Truncated = truncated != 0
	msg.BodyOriginal = bodyOrig
	msg.HTMLOriginal = htmlOrig

	var err error
	for _, pair := range []struct {
		raw string
		dst *[]string
	}{
		{from, &msg.From}, {to, &msg.To}, {cc, &msg.Cc}, {bcc, &msg.Bcc},
	} {
		if *pair.dst, err = unmarshalList(pair.raw); err != nil {
			return model.ArchivedMessage{}, fmt.Errorf("unmarshaling addresses: %w", err)
		}
	}

	return msg, nil
}
