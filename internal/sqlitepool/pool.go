// Copyright 2024 The LockPool Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlitepool implements a concurrent SQLite connection pool: one writer
// connection and N reader connections multiplexed over many caller-held logical lock
// contexts, with FIFO fairness between waiting readers and writers.
package sqlitepool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/quicksqlite/lockpool/internal/util/fsql"
	"github.com/quicksqlite/lockpool/internal/util/lazyerrors"
)

// LockKind is the kind of lock a caller can request on a Pool.
type LockKind int

const (
	// LockKindRead requests a reader connection.
	LockKindRead LockKind = iota

	// LockKindWrite requests the writer connection.
	LockKindWrite
)

// String implements fmt.Stringer.
func (k LockKind) String() string {
	if k == LockKindWrite {
		return "write"
	}

	return "read"
}

// OnContextAvailableFunc is invoked exactly once per successful lock request, with the
// Pool's internal mutex released, from whichever goroutine performed the grant.
type OnContextAvailableFunc func(databaseName, contextID string)

// UpdateHookFunc receives SQLite's update_hook notifications from the write
// connection. opType is one of sqlite3.SQLITE_INSERT, SQLITE_DELETE, SQLITE_UPDATE.
type UpdateHookFunc func(opType int, databaseName, tableName string, rowID int64)

// Options configures Pool construction.
type Options struct {
	// NumReadConnections is the number of reader Connections to open. Zero disables
	// concurrency: all lock requests, read or write, are served by the writer.
	NumReadConnections int

	// BaseDir is joined with the database name to produce the SQLite file path.
	BaseDir string

	// BusyTimeout bounds how long SQLite itself waits on a locked file before
	// returning SQLITE_BUSY. Zero uses SQLite's default (no wait).
	BusyTimeout time.Duration

	// JournalSizeLimit bounds the WAL file size in bytes. Zero uses this package's
	// default of 6291456 (6 MiB).
	JournalSizeLimit int64
}

const defaultJournalSizeLimit = 6291456

// Pool owns one writer Connection and an ordered slice of reader Connections against a
// single SQLite database file, and multiplexes caller lock contexts over them.
type Pool struct {
	name string
	l    *zap.Logger

	writer             *Connection
	readers            []*Connection
	concurrencyEnabled bool

	mu        sync.Mutex
	readWait  *idqueue
	writeWait *idqueue
	closed    bool
	waiters   map[string]chan struct{}

	onContextAvailable OnContextAvailableFunc

	updateHookMu sync.Mutex
	updateHook   UpdateHookFunc
}

// dbPath joins base with name, appending the .sqlite extension, unless name is already
// a SQLite URI form (":memory:" or a "file:" DSN), which passes through unchanged.
func dbPath(name, base string) string {
	if name == ":memory:" || len(name) >= 5 && name[:5] == "file:" {
		return name
	}

	if base == "" {
		return name + ".sqlite"
	}

	return base + "/" + name + ".sqlite"
}

// writerDSN and readerDSN build the DSN passed to sql.Open for the writer and reader
// Connections of a Pool, respectively. _mutex=full is the DSN equivalent of opening
// with SQLITE_OPEN_FULLMUTEX, matching one dedicated handle per worker goroutine.
func writerDSN(path string, busyTimeout time.Duration) string {
	return fmt.Sprintf("file:%s?mode=rwc&_mutex=full&_busy_timeout=%d", path, busyTimeout.Milliseconds())
}

func readerDSN(path string, busyTimeout time.Duration) string {
	return fmt.Sprintf("file:%s?mode=ro&_mutex=full&_busy_timeout=%d", path, busyTimeout.Milliseconds())
}

// openPool opens the writer and reader Connections for name under opts.BaseDir, installs
// updateHook (if non-nil) on the writer before queuing WAL setup, and returns the
// resulting Pool. The caller is responsible for registering it in a Registry.
func openPool(name string, opts Options, onAvail OnContextAvailableFunc, updateHook UpdateHookFunc, l *zap.Logger) (*Pool, error) {
	path := dbPath(name, opts.BaseDir)

	writer, err := openConnection(name, connKindWriter, writerDSN(path, opts.BusyTimeout), l)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		name:               name,
		l:                  l.Named(name),
		writer:             writer,
		concurrencyEnabled: opts.NumReadConnections > 0,
		readWait:           newIDQueue(),
		writeWait:          newIDQueue(),
		onContextAvailable: onAvail,
		updateHook:         updateHook,
	}

	if updateHook != nil {
		if err = p.installUpdateHookLocked(updateHook); err != nil {
			_ = writer.Close()
			return nil, err
		}
	}

	journalLimit := opts.JournalSizeLimit
	if journalLimit == 0 {
		journalLimit = defaultJournalSizeLimit
	}

	p.queueSetupPragma(writer, "PRAGMA journal_mode = WAL")
	p.queueSetupPragma(writer, fmt.Sprintf("PRAGMA journal_size_limit = %d", journalLimit))
	p.queueSetupPragma(writer, "PRAGMA synchronous = NORMAL")

	for i := 0; i < opts.NumReadConnections; i++ {
		reader, err := openConnection(name, connKindReader, readerDSN(path, opts.BusyTimeout), l)
		if err != nil {
			_ = p.CloseAll()
			return nil, err
		}

		p.queueSetupPragma(reader, "PRAGMA synchronous = NORMAL")
		p.readers = append(p.readers, reader)
	}

	return p, nil
}

// queueSetupPragma fires a literal statement at Connection c without waiting for the
// result; it logs a warning if the pragma fails. Queued immediately after open, these
// run before any user work because the queue is FIFO.
func (p *Pool) queueSetupPragma(c *Connection, query string) {
	err := c.QueueWork(func(db *fsql.DB, closingErr error) {
		if closingErr != nil {
			return
		}

		if _, _, err := execLiteral(context.Background(), db, query); err != nil {
			p.l.Warn("setup pragma failed", zap.String("query", query), zap.Error(err))
		}
	})
	if err != nil {
		p.l.Warn("failed to queue setup pragma", zap.String("query", query), zap.Error(err))
	}
}

// allConnections returns the writer followed by the readers in index order.
func (p *Pool) allConnections() []*Connection {
	conns := make([]*Connection, 0, 1+len(p.readers))
	conns = append(conns, p.writer)
	conns = append(conns, p.readers...)

	return conns
}

// findConnection returns the Connection whose lock slot currently matches contextID, or
// nil if none does.
func (p *Pool) findConnection(contextID string) *Connection {
	if p.writer.MatchesLock(contextID) {
		return p.writer
	}

	for _, r := range p.readers {
		if r.MatchesLock(contextID) {
			return r
		}
	}

	return nil
}

// fireOnAvailable invokes the on-context-available callback, if set, with the Pool
// mutex released.
func (p *Pool) fireOnAvailable(contextID string) {
	if p.onContextAvailable != nil {
		p.onContextAvailable(p.name, contextID)
	}
}

// notifyGranted is called once a lock has just been bound to contextID, with the Pool
// mutex already released. It wakes any internal synchronous waiter registered for
// contextID (see acquireWriteLockSync) in addition to firing the external callback.
func (p *Pool) notifyGranted(contextID string) {
	p.mu.Lock()
	ch, ok := p.waiters[contextID]
	if ok {
		delete(p.waiters, contextID)
	}
	p.mu.Unlock()

	if ok {
		close(ch)
	}

	p.fireOnAvailable(contextID)
}

// acquireWriteLockSync acquires the write lock for contextID, blocking the calling
// goroutine until it is granted or ctx is done. It is used internally (by ImportFile)
// for callers that need a synchronous grant rather than the callback-based protocol
// RequestLock offers to the binding layer.
func (p *Pool) acquireWriteLockSync(ctx context.Context, contextID string) error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return errClosing()
	}

	if p.writer.IsEmptyLock() && p.writeWait.Len() == 0 {
		p.writer.ActivateLock(contextID)
		p.mu.Unlock()

		return nil
	}

	if p.waiters == nil {
		p.waiters = make(map[string]chan struct{})
	}

	ch := make(chan struct{})
	p.waiters[contextID] = ch
	p.writeWait.PushBack(contextID)
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.writeWait.Remove(contextID)
		delete(p.waiters, contextID)
		p.mu.Unlock()

		// not in the queue any more means the lock was granted concurrently; give it back
		if !removed {
			p.ReleaseLock(contextID)
		}

		return ctx.Err()
	}
}

// isClosed reports whether CloseAll has already been called on p.
func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

// RequestLock requests a lock of the given kind for contextID. The on-context-available
// callback fires once the lock is granted, which may be synchronously within this call
// (if a Connection is immediately free) or later, when some other context releases its
// lock.
func (p *Pool) RequestLock(kind LockKind, contextID string) error {
	if p.isClosed() {
		return errClosing()
	}

	if kind == LockKindWrite || !p.concurrencyEnabled {
		return p.requestWriteLock(contextID)
	}

	return p.requestReadLock(contextID)
}

func (p *Pool) requestReadLock(contextID string) error {
	p.mu.Lock()

	if p.readWait.Len() > 0 {
		p.readWait.PushBack(contextID)
		p.mu.Unlock()

		return nil
	}

	for _, r := range p.readers {
		if r.IsEmptyLock() {
			r.ActivateLock(contextID)
			p.mu.Unlock()
			p.notifyGranted(contextID)

			return nil
		}
	}

	p.readWait.PushBack(contextID)
	p.mu.Unlock()

	return nil
}

func (p *Pool) requestWriteLock(contextID string) error {
	p.mu.Lock()

	if p.writer.IsEmptyLock() && p.writeWait.Len() == 0 {
		p.writer.ActivateLock(contextID)
		p.mu.Unlock()
		p.notifyGranted(contextID)

		return nil
	}

	p.writeWait.PushBack(contextID)
	p.mu.Unlock()

	return nil
}

// ReleaseLock releases contextID's lock, if it holds one, and grants it to the next
// waiter in the matching FIFO wait queue, if any. It is a no-op if contextID does not
// currently hold any lock, which is the required escape hatch for a caller that gave up
// waiting.
func (p *Pool) ReleaseLock(contextID string) {
	p.mu.Lock()

	if p.writer.MatchesLock(contextID) {
		if next, ok := p.writeWait.PopFront(); ok {
			p.writer.ActivateLock(next)
			p.mu.Unlock()
			p.notifyGranted(next)

			return
		}

		p.writer.ClearLock()
		p.mu.Unlock()

		return
	}

	for _, r := range p.readers {
		if !r.MatchesLock(contextID) {
			continue
		}

		if next, ok := p.readWait.PopFront(); ok {
			r.ActivateLock(next)
			p.mu.Unlock()
			p.notifyGranted(next)

			return
		}

		r.ClearLock()
		p.mu.Unlock()

		return
	}

	p.mu.Unlock()
}

// QueueInContext routes item to the Connection currently bound to contextID. It fails
// with ErrorKindContextInvalid if contextID does not hold any lock.
func (p *Pool) QueueInContext(contextID string, item workItem) error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return errClosing()
	}

	conn := p.findConnection(contextID)
	p.mu.Unlock()

	if conn == nil {
		return errContextInvalid(contextID)
	}

	return conn.QueueWork(item)
}

// ExecuteInContext runs a parameterized query against the Connection bound to
// contextID and returns the materialized result set.
func (p *Pool) ExecuteInContext(ctx context.Context, contextID, query string, params []Value) (*Rows, error) {
	resultCh := make(chan execResult, 1)

	err := p.QueueInContext(contextID, func(db *fsql.DB, closingErr error) {
		if closingErr != nil {
			resultCh <- execResult{err: closingErr}
			return
		}

		rows, err := execParameterized(ctx, db, query, params)
		resultCh <- execResult{rows: rows, err: err}
	})
	if err != nil {
		return nil, err
	}

	res := <-resultCh

	return res.rows, res.err
}

// ExecuteLiteralInContext runs an unparameterized statement against the Connection
// bound to contextID and returns the affected-rows / last-insert-id counters.
func (p *Pool) ExecuteLiteralInContext(ctx context.Context, contextID, query string) (rowsAffected, insertRowID int64, err error) {
	resultCh := make(chan literalResult, 1)

	err = p.QueueInContext(contextID, func(db *fsql.DB, closingErr error) {
		if closingErr != nil {
			resultCh <- literalResult{err: closingErr}
			return
		}

		ra, id, err := execLiteral(ctx, db, query)
		resultCh <- literalResult{rowsAffected: ra, insertRowID: id, err: err}
	})
	if err != nil {
		return 0, 0, err
	}

	res := <-resultCh

	return res.rowsAffected, res.insertRowID, res.err
}

// runSync submits a literal statement to c and blocks until it has run, for Pool-driven
// cross-connection operations (ATTACH/DETACH) that must happen synchronously.
func (p *Pool) runSync(c *Connection, query string) error {
	resultCh := make(chan literalResult, 1)

	err := c.QueueWork(func(db *fsql.DB, closingErr error) {
		if closingErr != nil {
			resultCh <- literalResult{err: closingErr}
			return
		}

		ra, id, err := execLiteral(context.Background(), db, query)
		resultCh <- literalResult{rowsAffected: ra, insertRowID: id, err: err}
	})
	if err != nil {
		return err
	}

	res := <-resultCh

	return res.err
}

// Attach ATTACHes the database file at path under alias on every Connection, writer
// first, then readers in index order. It fails with ErrorKindConnectionsLocked if any
// Connection currently has a non-empty lock slot. On a failure partway through, already
// attached Connections are DETACHed best-effort to revert.
func (p *Pool) Attach(path, alias string) error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return errClosing()
	}

	conns := p.allConnections()

	for _, c := range conns {
		if !c.IsEmptyLock() {
			p.mu.Unlock()
			return errConnectionsLocked()
		}
	}

	p.mu.Unlock()

	attached := make([]*Connection, 0, len(conns))

	for _, c := range conns {
		query := fmt.Sprintf("ATTACH DATABASE '%s' AS %s", path, alias)

		if err := p.runSync(c, query); err != nil {
			p.revertAttach(attached, alias)
			return err
		}

		attached = append(attached, c)
	}

	p.l.Info("database attached", zap.String("path", path), zap.String("alias", alias))

	return nil
}

// revertAttach best-effort DETACHes alias from every Connection in attached, logging
// (rather than returning) any failure.
func (p *Pool) revertAttach(attached []*Connection, alias string) {
	for _, c := range attached {
		query := fmt.Sprintf("DETACH DATABASE %s", alias)

		if err := p.runSync(c, query); err != nil {
			p.l.Warn("failed to revert ATTACH", zap.String("alias", alias), zap.Error(err))
		}
	}
}

// Detach DETACHes alias from every Connection, writer first, then readers in index
// order. It fails with ErrorKindConnectionsLocked if any Connection currently has a
// non-empty lock slot.
func (p *Pool) Detach(alias string) error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return errClosing()
	}

	conns := p.allConnections()

	for _, c := range conns {
		if !c.IsEmptyLock() {
			p.mu.Unlock()
			return errConnectionsLocked()
		}
	}

	p.mu.Unlock()

	for _, c := range conns {
		query := fmt.Sprintf("DETACH DATABASE %s", alias)

		if err := p.runSync(c, query); err != nil {
			return err
		}
	}

	p.l.Info("database detached", zap.String("alias", alias))

	return nil
}

// RegisterUpdateHook installs hook on the writer Connection, replacing any previously
// registered hook. Passing nil clears it.
func (p *Pool) RegisterUpdateHook(hook UpdateHookFunc) error {
	return p.installUpdateHookLocked(hook)
}

// installUpdateHookLocked runs installUpdateHookOnDB on the writer's worker goroutine
// and waits for it to finish.
func (p *Pool) installUpdateHookLocked(hook UpdateHookFunc) error {
	p.updateHookMu.Lock()
	p.updateHook = hook
	p.updateHookMu.Unlock()

	resultCh := make(chan error, 1)

	err := p.writer.QueueWork(func(db *fsql.DB, closingErr error) {
		if closingErr != nil {
			resultCh <- closingErr
			return
		}

		resultCh <- installUpdateHookOnDB(db, p.name, hook)
	})
	if err != nil {
		return err
	}

	return <-resultCh
}

// installUpdateHookOnDB reaches the raw *sqlite3.SQLiteConn behind db and installs
// hook, wrapping it so the callback always carries this Pool's database name.
func installUpdateHookOnDB(db *fsql.DB, dbName string, hook UpdateHookFunc) error {
	conn, err := db.Conn(context.Background())
	if err != nil {
		return wrapError(ErrorKindSQLite, lazyerrors.Error(err))
	}
	defer conn.Close()

	return conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("sqlitepool: unexpected driver connection type %T", driverConn)
		}

		if hook == nil {
			sc.RegisterUpdateHook(nil)
			return nil
		}

		sc.RegisterUpdateHook(func(op int, _, table string, rowID int64) {
			hook(op, dbName, table, rowID)
		})

		return nil
	})
}

// CloseAll closes every Connection in the Pool. Connections stop accepting new work;
// anything already queued at the moment Close is called is drained and rejected with
// ErrorKindClosing rather than run.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var firstErr error

	if err := p.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	for _, r := range p.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
