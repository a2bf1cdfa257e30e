// Package audit implements the append-only, hash-chained ledger every
// governance transition is written to.
package audit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"finguard/internal/domain"
	"finguard/internal/metrics"
)

type Options struct {
	Genesis string
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Collector
	// RetryFor bounds how long Transact retries a busy database.
	RetryFor time.Duration
}

// Ledger serializes all appends behind one mutex. Sequence numbers and hashes
// are assigned while it is held, so the chain has a single writer per process.
type Ledger struct {
	db       *sql.DB
	genesis  string
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Collector
	retryFor time.Duration

	mu   sync.Mutex
	head anchor
	halt atomic.Pointer[string]
}

// anchor is the last entry this process committed.
type anchor struct {
	known  bool
	seq    int64
	digest string
}

func New(db *sql.DB, opts Options) *Ledger {
	l := &Ledger{
		db:       db,
		genesis:  opts.Genesis,
		now:      opts.Now,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		retryFor: opts.RetryFor,
	}
	if l.genesis == "" {
		l.genesis = DefaultGenesis
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "audit")
	if l.retryFor <= 0 {
		l.retryFor = 5 * time.Second
	}
	return l
}

func (l *Ledger) Genesis() string { return l.genesis }

// Halted reports whether corruption was detected and not yet resumed.
func (l *Ledger) Halted() bool {
	return l.halt.Load() != nil
}

func (l *Ledger) HaltReason() string {
	if r := l.halt.Load(); r != nil {
		return *r
	}
	return ""
}

func (l *Ledger) setHalted(reason string) {
	l.halt.Store(&reason)
	l.metrics.LedgerHalted(true)
	l.logger.Error("audit ledger halted", "reason", reason)
}

func (l *Ledger) haltedErr() error {
	return fmt.Errorf("%w: %s", domain.ErrLedgerCorruption, l.HaltReason())
}

// Recorder appends entries inside a Transact callback.
type Recorder struct {
	l       *Ledger
	tx      *sql.Tx
	loaded  bool
	tail    anchor
	entries []domain.AuditEntry
}

// Transact runs fn in one SQL transaction under the ledger mutex and returns
// the entries fn appended once committed. Busy database errors are retried.
func (l *Ledger) Transact(ctx context.Context, fn func(tx *sql.Tx, rec *Recorder) error) ([]domain.AuditEntry, error) {
	if l.Halted() {
		return nil, l.haltedErr()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return backoff.Retry(ctx, func() ([]domain.AuditEntry, error) {
		entries, err := l.transactOnce(ctx, fn)
		if err == nil {
			return entries, nil
		}
		if isBusy(err) {
			l.logger.Warn("audit transaction busy, retrying", "error", err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(l.retryFor))
}

func (l *Ledger) transactOnce(ctx context.Context, fn func(tx *sql.Tx, rec *Recorder) error) ([]domain.AuditEntry, error) {
	if l.Halted() {
		return nil, l.haltedErr()
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec := &Recorder{l: l, tx: tx}
	if err := fn(tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if n := len(rec.entries); n > 0 {
		last := rec.entries[n-1]
		l.head = anchor{known: true, seq: last.SequenceNo, digest: EntryDigest(last)}
		for _, e := range rec.entries {
			l.metrics.LedgerAppend(e.EventType)
		}
	}
	return rec.entries, nil
}

// Append writes a single entry in its own transaction.
func (l *Ledger) Append(ctx context.Context, eventType string, payload any) (domain.AuditEntry, error) {
	var out domain.AuditEntry
	_, err := l.Transact(ctx, func(_ *sql.Tx, rec *Recorder) error {
		e, err := rec.Append(ctx, eventType, payload)
		out = e
		return err
	})
	return out, err
}

// Append assigns the next sequence number and links the entry to the tail.
func (r *Recorder) Append(ctx context.Context, eventType string, payload any) (domain.AuditEntry, error) {
	if eventType == "" {
		return domain.AuditEntry{}, fmt.Errorf("audit event type is required")
	}
	if !r.loaded {
		tail, err := r.l.loadTail(ctx, r.tx)
		if err != nil {
			return domain.AuditEntry{}, err
		}
		r.tail = tail
		r.loaded = true
	}
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := Canonical(payload)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	recordedAt := r.l.now().UTC().Format(time.RFC3339Nano)
	payloadHash, err := PayloadHash(eventType, canonical, recordedAt)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	prev := r.l.genesis
	if r.tail.known {
		prev = r.tail.digest
	}
	e := domain.AuditEntry{
		SequenceNo:  r.tail.seq + 1,
		PrevHash:    prev,
		PayloadHash: payloadHash,
		EventType:   eventType,
		Payload:     canonical,
		RecordedAt:  recordedAt,
	}
	if _, err := r.tx.ExecContext(ctx, `INSERT INTO audit_entries(sequence_no,prev_hash,payload_hash,event_type,payload_json,recorded_at) VALUES (?,?,?,?,?,?)`,
		e.SequenceNo, e.PrevHash, e.PayloadHash, e.EventType, string(e.Payload), e.RecordedAt); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	r.tail = anchor{known: true, seq: e.SequenceNo, digest: EntryDigest(e)}
	r.entries = append(r.entries, e)
	return e, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// loadTail reads the stored tail and checks that the last entry this process
// committed is still part of the chain.
func (l *Ledger) loadTail(ctx context.Context, q querier) (anchor, error) {
	var prev, payloadHash string
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT sequence_no, prev_hash, payload_hash FROM audit_entries ORDER BY sequence_no DESC LIMIT 1`).Scan(&seq, &prev, &payloadHash)
	if errors.Is(err, sql.ErrNoRows) {
		if l.head.known {
			l.setHalted(fmt.Sprintf("ledger empty, expected head at sequence %d", l.head.seq))
			return anchor{}, l.haltedErr()
		}
		return anchor{}, nil
	}
	if err != nil {
		return anchor{}, fmt.Errorf("read audit tail: %w", err)
	}
	tail := anchor{known: true, seq: seq, digest: Digest(prev, payloadHash, seq)}
	if !l.head.known {
		return tail, nil
	}
	switch {
	case tail.seq < l.head.seq:
		l.setHalted(fmt.Sprintf("ledger truncated at sequence %d, expected head %d", tail.seq, l.head.seq))
		return anchor{}, l.haltedErr()
	case tail.seq == l.head.seq:
		if tail.digest != l.head.digest {
			l.setHalted(fmt.Sprintf("head entry %d rewritten", tail.seq))
			return anchor{}, l.haltedErr()
		}
	default:
		// Another process appended; the entry we committed must still be there.
		var p, h string
		err := q.QueryRowContext(ctx, `SELECT prev_hash, payload_hash FROM audit_entries WHERE sequence_no=?`, l.head.seq).Scan(&p, &h)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return anchor{}, fmt.Errorf("read audit anchor: %w", err)
		}
		if errors.Is(err, sql.ErrNoRows) || Digest(p, h, l.head.seq) != l.head.digest {
			l.setHalted(fmt.Sprintf("head entry %d rewritten", l.head.seq))
			return anchor{}, l.haltedErr()
		}
	}
	return tail, nil
}

// VerifyReport describes the outcome of a full chain recomputation.
type VerifyReport struct {
	Valid        bool   `json:"valid"`
	Entries      int64  `json:"entries"`
	HeadSequence int64  `json:"head_sequence"`
	HeadHash     string `json:"head_hash,omitempty"`
	BrokenAt     int64  `json:"broken_at,omitempty"`
	Reason       string `json:"reason,omitempty"`
	VerifiedAt   string `json:"verified_at" format:"date-time"`
}

// Verify recomputes the chain from genesis. A broken chain halts the ledger.
func (l *Ledger) Verify(ctx context.Context) (VerifyReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	report, err := l.verifyLocked(ctx, true)
	if err != nil {
		return report, err
	}
	if !report.Valid {
		l.setHalted(report.Reason)
	}
	return report, nil
}

// VerifyChain is Verify reduced to a boolean.
func (l *Ledger) VerifyChain(ctx context.Context) (bool, error) {
	report, err := l.Verify(ctx)
	if err != nil {
		return false, err
	}
	return report.Valid, nil
}

func (l *Ledger) verifyLocked(ctx context.Context, checkAnchor bool) (VerifyReport, error) {
	report := VerifyReport{VerifiedAt: l.now().UTC().Format(time.RFC3339)}
	rows, err := l.db.QueryContext(ctx, `SELECT sequence_no, prev_hash, payload_hash, event_type, payload_json, recorded_at FROM audit_entries ORDER BY sequence_no`)
	if err != nil {
		return report, fmt.Errorf("read audit entries: %w", err)
	}
	defer rows.Close()

	expectedPrev := l.genesis
	var lastSeq int64
	fail := func(seq int64, reason string) {
		if report.Reason == "" {
			report.BrokenAt = seq
			report.Reason = reason
		}
	}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return report, err
		}
		report.Entries++
		if report.Reason != "" {
			continue
		}
		if e.SequenceNo != lastSeq+1 {
			fail(lastSeq+1, fmt.Sprintf("sequence gap: expected %d got %d", lastSeq+1, e.SequenceNo))
			continue
		}
		if e.PrevHash != expectedPrev {
			fail(e.SequenceNo, fmt.Sprintf("prev hash mismatch at %d", e.SequenceNo))
			continue
		}
		canonical, err := Canonical(e.Payload)
		if err != nil {
			fail(e.SequenceNo, fmt.Sprintf("payload at %d is not valid json", e.SequenceNo))
			continue
		}
		// Payloads are stored canonical; any other encoding was rewritten.
		if !bytes.Equal(canonical, e.Payload) {
			fail(e.SequenceNo, fmt.Sprintf("payload at %d is not in canonical form", e.SequenceNo))
			continue
		}
		hash, err := PayloadHash(e.EventType, e.Payload, e.RecordedAt)
		if err != nil {
			fail(e.SequenceNo, fmt.Sprintf("payload at %d is not valid json", e.SequenceNo))
			continue
		}
		if hash != e.PayloadHash {
			fail(e.SequenceNo, fmt.Sprintf("payload hash mismatch at %d", e.SequenceNo))
			continue
		}
		expectedPrev = EntryDigest(e)
		lastSeq = e.SequenceNo
		report.HeadSequence = e.SequenceNo
		report.HeadHash = expectedPrev
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("iterate audit entries: %w", err)
	}
	if report.Reason == "" && checkAnchor && l.head.known {
		switch {
		case report.HeadSequence < l.head.seq:
			fail(report.HeadSequence+1, fmt.Sprintf("ledger truncated: head %d, expected at least %d", report.HeadSequence, l.head.seq))
		case report.HeadSequence == l.head.seq && report.HeadHash != l.head.digest:
			fail(l.head.seq, fmt.Sprintf("head entry %d rewritten", l.head.seq))
		}
	}
	report.Valid = report.Reason == ""
	return report, nil
}

// Resume clears a halt once the stored chain verifies from genesis. The
// verified tail becomes the new anchor.
func (l *Ledger) Resume(ctx context.Context) (VerifyReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	report, err := l.verifyLocked(ctx, false)
	if err != nil {
		return report, err
	}
	if !report.Valid {
		l.setHalted(report.Reason)
		return report, fmt.Errorf("%w: %s", domain.ErrLedgerCorruption, report.Reason)
	}
	l.head = anchor{}
	if report.HeadSequence > 0 {
		l.head = anchor{known: true, seq: report.HeadSequence, digest: report.HeadHash}
	}
	l.halt.Store(nil)
	l.metrics.LedgerHalted(false)
	l.logger.Info("audit ledger resumed", "head_sequence", report.HeadSequence)
	return report, nil
}

// Export returns up to limit entries with sequence_no > after.
func (l *Ledger) Export(ctx context.Context, after int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := l.db.QueryContext(ctx, `SELECT sequence_no, prev_hash, payload_hash, event_type, payload_json, recorded_at FROM audit_entries WHERE sequence_no > ? ORDER BY sequence_no LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Head returns the stored tail sequence and its digest.
func (l *Ledger) Head(ctx context.Context) (int64, string, error) {
	var prev, payloadHash string
	var seq int64
	err := l.db.QueryRowContext(ctx, `SELECT sequence_no, prev_hash, payload_hash FROM audit_entries ORDER BY sequence_no DESC LIMIT 1`).Scan(&seq, &prev, &payloadHash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, l.genesis, nil
	}
	if err != nil {
		return 0, "", err
	}
	return seq, Digest(prev, payloadHash, seq), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(rs rowScanner) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	var payload string
	if err := rs.Scan(&e.SequenceNo, &e.PrevHash, &e.PayloadHash, &e.EventType, &payload, &e.RecordedAt); err != nil {
		return e, err
	}
	e.Payload = json.RawMessage(payload)
	return e, nil
}

func isBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
