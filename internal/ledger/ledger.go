// Package ledger is the durable, append-only audit log of every envelope
// that crosses the bus.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	apperrors "insight/internal/errors"
	"insight/internal/messaging"
	"insight/internal/shared/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	ts        REAL    NOT NULL,
	sender    TEXT    NOT NULL,
	recipient TEXT    NOT NULL,
	payload   TEXT    NOT NULL,
	digest    TEXT    NOT NULL
);
`

// Record is a logged envelope with its assigned sequence number.
type Record struct {
	Seq      uint64             `json:"seq"`
	Envelope messaging.Envelope `json:"envelope"`
	Digest   string             `json:"digest"`
}

// Metrics receives ledger instrumentation. Nil disables it.
type Metrics interface {
	ObserveLog(d time.Duration, err error)
	BroadcastDropped()
}

// Options configures Open.
type Options struct {
	Path        string
	PoolSize    int
	Broadcaster Broadcaster
	QueueSize   int
	Logger      logging.Logger
	Metrics     Metrics
}

// Ledger is safe for concurrent use. Writes are linearized by writeMu so the
// rowid order matches call order.
type Ledger struct {
	pool    *sqlitex.Pool
	path    string
	logger  logging.Logger
	metrics Metrics
	writeMu sync.Mutex
	relay   *relay
}

// Open creates the database file if needed and migrates the schema.
func Open(ctx context.Context, opts Options) (*Ledger, error) {
	if opts.Path == "" {
		return nil, &apperrors.StorageError{Op: "open", Err: fmt.Errorf("ledger path is required")}
	}
	if dir := filepath.Dir(opts.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &apperrors.StorageError{Op: "open", Err: err}
		}
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(opts.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, &apperrors.StorageError{Op: "open", Err: err}
	}

	logger := logging.OrNop(opts.Logger)
	l := &Ledger{pool: pool, path: opts.Path, logger: logger, metrics: opts.Metrics}

	conn, err := pool.Take(ctx)
	if err != nil {
		_ = pool.Close()
		return nil, &apperrors.StorageError{Op: "open", Err: err}
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		_ = pool.Close()
		return nil, &apperrors.StorageError{Op: "migrate", Err: err}
	}

	if opts.Broadcaster != nil {
		l.relay = newRelay(opts.Broadcaster, opts.QueueSize, logger, l.broadcastDropped)
	}
	logger.Info("ledger opened at %s", opts.Path)
	return l, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// Path returns the database file backing the ledger.
func (l *Ledger) Path() string { return l.path }

// Log appends env and returns its sequence number. A failure is always a
// *errors.StorageError and the envelope is not recorded.
func (l *Ledger) Log(ctx context.Context, env messaging.Envelope) (uint64, error) {
	start := time.Now()
	seq, err := l.insert(ctx, env)
	if l.metrics != nil {
		l.metrics.ObserveLog(time.Since(start), err)
	}
	if err != nil {
		l.logger.Error("ledger write failed for %s->%s: %v", env.Sender(), env.Recipient(), err)
		return 0, err
	}
	return seq, nil
}

// insert commits env and queues its broadcast under writeMu, so records
// reach the broadcaster in seq order.
func (l *Ledger) insert(ctx context.Context, env messaging.Envelope) (uint64, error) {
	canonical, err := env.CanonicalJSON()
	if err != nil {
		return 0, &apperrors.StorageError{Op: "log", Err: err}
	}
	payload, err := env.PayloadJSON()
	if err != nil {
		return 0, &apperrors.StorageError{Op: "log", Err: err}
	}
	digest := HashRecord(canonical).String()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, &apperrors.StorageError{Op: "log", Err: err}
	}
	defer l.pool.Put(conn)

	seq, err := insertRow(conn, env, string(payload), digest)
	if err != nil {
		return 0, &apperrors.StorageError{Op: "log", Err: err}
	}
	if l.relay != nil {
		l.relay.enqueue(Record{Seq: seq, Envelope: env, Digest: digest})
	}
	return seq, nil
}

func insertRow(conn *sqlite.Conn, env messaging.Envelope, payload, digest string) (seq uint64, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, err
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`INSERT INTO messages (ts, sender, recipient, payload, digest) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{env.Timestamp(), env.Sender(), env.Recipient(), payload, digest},
		})
	if err != nil {
		return 0, err
	}
	return uint64(conn.LastInsertRowID()), nil
}

// Tail returns the most recent n records, oldest first. n <= 0 yields an
// empty slice.
func (l *Ledger) Tail(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return []Record{}, nil
	}
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, &apperrors.StorageError{Op: "tail", Err: err}
	}
	defer l.pool.Put(conn)

	records := make([]Record, 0, n)
	var decodeErr error
	err = sqlitex.Execute(conn,
		`SELECT seq, ts, sender, recipient, payload, digest FROM messages ORDER BY seq DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args:       []any{n},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec, err := scanRecord(stmt)
				if err != nil {
					decodeErr = err
					return err
				}
				records = append(records, rec)
				return nil
			},
		})
	if decodeErr != nil {
		return nil, &apperrors.StorageError{Op: "tail", Err: decodeErr}
	}
	if err != nil {
		return nil, &apperrors.StorageError{Op: "tail", Err: err}
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func scanRecord(stmt *sqlite.Stmt) (Record, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &payload); err != nil {
		return Record{}, fmt.Errorf("decode payload of seq %d: %w", stmt.ColumnInt64(0), err)
	}
	env, err := messaging.Restore(stmt.ColumnText(2), stmt.ColumnText(3), payload, stmt.ColumnFloat(1))
	if err != nil {
		return Record{}, err
	}
	return Record{
		Seq:      uint64(stmt.ColumnInt64(0)),
		Envelope: env,
		Digest:   stmt.ColumnText(5),
	}, nil
}

// Count returns the number of logged records.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, &apperrors.StorageError{Op: "count", Err: err}
	}
	defer l.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM messages`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, &apperrors.StorageError{Op: "count", Err: err}
	}
	return count, nil
}

// Root computes the Merkle root over every record digest in sequence order.
func (l *Ledger) Root(ctx context.Context) (string, error) {
	return l.RootAt(ctx, math.MaxInt64)
}

// RootAt computes the Merkle root over the records with seq <= through. It
// is the root an anchor of record through commits to, regardless of what
// was logged after it.
func (l *Ledger) RootAt(ctx context.Context, through uint64) (string, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return "", &apperrors.StorageError{Op: "root", Err: err}
	}
	defer l.pool.Put(conn)

	if through > math.MaxInt64 {
		through = math.MaxInt64
	}
	var leaves []Digest
	err = sqlitex.Execute(conn, `SELECT digest FROM messages WHERE seq <= ? ORDER BY seq ASC`, &sqlitex.ExecOptions{
		Args:       []any{int64(through)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			d, err := ParseDigest(stmt.ColumnText(0))
			if err != nil {
				return err
			}
			leaves = append(leaves, d)
			return nil
		},
	})
	if err != nil {
		return "", &apperrors.StorageError{Op: "root", Err: err}
	}
	return MerkleRoot(leaves).String(), nil
}

// Close drains pending broadcasts and closes the pool.
func (l *Ledger) Close() error {
	if l.relay != nil {
		l.relay.close()
	}
	if err := l.pool.Close(); err != nil {
		return &apperrors.StorageError{Op: "close", Err: err}
	}
	return nil
}

func (l *Ledger) broadcastDropped() {
	if l.metrics != nil {
		l.metrics.BroadcastDropped()
	}
}
