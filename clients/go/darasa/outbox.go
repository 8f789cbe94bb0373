package darasa

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// Outbox entry states.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// outboxBatchMax matches the server's per-request replay cap.
const outboxBatchMax = 50

// OutboxEntry is a locally queued message awaiting delivery.
type OutboxEntry struct {
	ID            int64     `json:"id"`
	ClientMsgID   string    `json:"cid"`
	ThreadID      string    `json:"thread_id"`
	Body          string    `json:"body"`
	ParentID      string    `json:"pid,omitempty"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	ServerMsgID   string    `json:"server_msg_id,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	LastTouchedAt time.Time `json:"last_touched_at"`
}

// Outbox is a durable SQLite-backed queue for messages composed while
// offline. Entries are flushed to the server in enqueue order, and each
// carries a client message id so a flush that dies mid-batch is safe to
// repeat.
type Outbox struct {
	db *sql.DB
}

// NewOutbox opens (or creates) an outbox database at the given path.
func NewOutbox(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cid TEXT NOT NULL UNIQUE,
		thread_id TEXT NOT NULL,
		body TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		server_msg_id TEXT NOT NULL DEFAULT '',
		enqueued_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_touched_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_state ON outbox(state, id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init outbox schema: %w", err)
	}

	return &Outbox{db: db}, nil
}

// Close closes the outbox database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Enqueue adds a message to the queue and returns the stored entry. The
// client message id is minted here and never changes, so retries of the
// same entry cannot produce duplicates on the server.
func (o *Outbox) Enqueue(threadID, body, parentID string) (*OutboxEntry, error) {
	cid := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()

	res, err := o.db.Exec(
		`INSERT INTO outbox (cid, thread_id, body, parent_id) VALUES (?, ?, ?, ?)`,
		cid, threadID, body, parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue: %w", err)
	}

	id, _ := res.LastInsertId()
	return o.Get(id)
}

// Get returns a single entry by local id.
func (o *Outbox) Get(id int64) (*OutboxEntry, error) {
	row := o.db.QueryRow(
		`SELECT id, cid, thread_id, body, parent_id, state, attempts, last_error, server_msg_id, enqueued_at, last_touched_at
		 FROM outbox WHERE id = ?`, id)
	return scanOutboxEntry(row)
}

// Pending returns entries still awaiting delivery, oldest first. Entries
// stuck in sending (a flush that died mid-flight) are included; their cid
// makes the retry idempotent.
func (o *Outbox) Pending() ([]OutboxEntry, error) {
	rows, err := o.db.Query(
		`SELECT id, cid, thread_id, body, parent_id, state, attempts, last_error, server_msg_id, enqueued_at, last_touched_at
		 FROM outbox WHERE state IN ('queued', 'sending') ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// List returns all entries, newest first.
func (o *Outbox) List(limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.Query(
		`SELECT id, cid, thread_id, body, parent_id, state, attempts, last_error, server_msg_id, enqueued_at, last_touched_at
		 FROM outbox ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Requeue moves a failed entry back to queued so the next flush retries it.
func (o *Outbox) Requeue(id int64) error {
	res, err := o.db.Exec(
		`UPDATE outbox SET state = 'queued', last_error = '', last_touched_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND state = 'failed'`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("entry %d is not in failed state", id)
	}
	return nil
}

// PruneSent deletes sent entries older than the given age.
func (o *Outbox) PruneSent(age time.Duration) (int64, error) {
	res, err := o.db.Exec(
		`DELETE FROM outbox WHERE state = 'sent' AND last_touched_at < ?`,
		time.Now().Add(-age).UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (o *Outbox) markSending(ids []int64) error {
	tx, err := o.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.Exec(
			`UPDATE outbox SET state = 'sending', attempts = attempts + 1, last_touched_at = CURRENT_TIMESTAMP
			 WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (o *Outbox) markSent(cid, serverID string) error {
	_, err := o.db.Exec(
		`UPDATE outbox SET state = 'sent', server_msg_id = ?, last_error = '', last_touched_at = CURRENT_TIMESTAMP
		 WHERE cid = ?`, serverID, cid)
	return err
}

func (o *Outbox) markFailed(cid, reason string) error {
	_, err := o.db.Exec(
		`UPDATE outbox SET state = 'failed', last_error = ?, last_touched_at = CURRENT_TIMESTAMP
		 WHERE cid = ?`, reason, cid)
	return err
}

func (o *Outbox) markQueued(cids []string) error {
	tx, err := o.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, cid := range cids {
		if _, err := tx.Exec(
			`UPDATE outbox SET state = 'queued', last_touched_at = CURRENT_TIMESTAMP WHERE cid = ?`,
			cid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type outboxScanner interface {
	Scan(dest ...interface{}) error
}

func scanOutboxEntry(row outboxScanner) (*OutboxEntry, error) {
	var e OutboxEntry
	err := row.Scan(&e.ID, &e.ClientMsgID, &e.ThreadID, &e.Body, &e.ParentID,
		&e.State, &e.Attempts, &e.LastError, &e.ServerMsgID, &e.EnqueuedAt, &e.LastTouchedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// OutboxItem is one message in a replay request.
type OutboxItem struct {
	ClientMsgID string `json:"cid"`
	ThreadID    string `json:"thread_id"`
	Body        string `json:"body"`
	ParentID    string `json:"pid,omitempty"`
}

// OutboxResult is the server's verdict on one replayed message.
type OutboxResult struct {
	ClientMsgID string `json:"cid"`
	State       string `json:"state"`
	MessageID   string `json:"id,omitempty"`
	Timestamp   int64  `json:"ts,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SyncOutboxResponse is the response from a replay request.
type SyncOutboxResponse struct {
	Results []OutboxResult `json:"results"`
}

// Send queues a message for delivery and attempts an immediate flush. If
// the server is unreachable the message stays queued and is flushed on the
// next reconnect.
func (c *Client) Send(ctx context.Context, threadID, body, parentID string) (*OutboxEntry, error) {
	outbox, err := c.Outbox()
	if err != nil {
		return nil, err
	}

	entry, err := outbox.Enqueue(threadID, body, parentID)
	if err != nil {
		return nil, err
	}

	if _, err := c.FlushOutbox(ctx); err != nil {
		// Still queued; the entry rides the next flush.
		return entry, nil
	}
	return outbox.Get(entry.ID)
}

// FlushOutbox replays pending entries to the server in enqueue order and
// returns how many were delivered (stored or deduplicated). Transport
// errors are retried with exponential backoff until the context is done;
// per-message rejections are terminal and mark the entry failed.
func (c *Client) FlushOutbox(ctx context.Context) (int, error) {
	outbox, err := c.Outbox()
	if err != nil {
		return 0, err
	}

	delivered := 0
	for {
		pending, err := outbox.Pending()
		if err != nil {
			return delivered, err
		}
		if len(pending) == 0 {
			return delivered, nil
		}

		batch := pending
		if len(batch) > outboxBatchMax {
			batch = batch[:outboxBatchMax]
		}

		items := make([]OutboxItem, len(batch))
		ids := make([]int64, len(batch))
		cids := make([]string, len(batch))
		for i, e := range batch {
			items[i] = OutboxItem{
				ClientMsgID: e.ClientMsgID,
				ThreadID:    e.ThreadID,
				Body:        e.Body,
				ParentID:    e.ParentID,
			}
			ids[i] = e.ID
			cids[i] = e.ClientMsgID
		}

		if err := outbox.markSending(ids); err != nil {
			return delivered, err
		}

		resp, err := c.syncOutboxWithRetry(ctx, items)
		if err != nil {
			// Hand the batch back to the queue before giving up.
			outbox.markQueued(cids)
			return delivered, err
		}

		for _, result := range resp.Results {
			switch result.State {
			case "stored", "duplicate":
				outbox.markSent(result.ClientMsgID, result.MessageID)
				delivered++
			case "rejected":
				outbox.markFailed(result.ClientMsgID, result.Error)
			}
		}
	}
}

// syncOutboxWithRetry posts one replay batch, retrying transport failures
// with exponential backoff. HTTP 4xx responses are not retried.
func (c *Client) syncOutboxWithRetry(ctx context.Context, items []OutboxItem) (*SyncOutboxResponse, error) {
	reqBody, _ := json.Marshal(struct {
		Items []OutboxItem `json:"items"`
	}{Items: items})

	var resp SyncOutboxResponse
	operation := func() error {
		respBody, err := c.doRequest("POST", "/sync/outbox", reqBody, true)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		return json.Unmarshal(respBody, &resp)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return &resp, nil
}
