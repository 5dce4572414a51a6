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

package sqlitepool

import (
	"database/sql"
	"sync"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
	"go.uber.org/zap"

	"github.com/quicksqlite/lockpool/internal/util/fsql"
	"github.com/quicksqlite/lockpool/internal/util/lazyerrors"
)

// connKind distinguishes the single writer Connection from the N reader Connections
// in a Pool: it decides the DSN open mode and is used as a metric/log label.
type connKind string

const (
	connKindWriter connKind = "writer"
	connKindReader connKind = "reader"
)

// workItem is one unit of work queued onto a Connection's worker goroutine.
//
// db is the Connection's handle, usable only from inside the call to workItem. If the
// Connection is closing, db is nil and closingErr is set instead: the item must report
// closingErr through its own result channel rather than touch db.
type workItem func(db *fsql.DB, closingErr error)

// Connection owns one SQLite handle pinned to exactly one physical connection, a FIFO
// work queue, and a single lock slot. All SQLite access happens on its worker
// goroutine; the handle is never returned to callers.
type Connection struct {
	name string
	kind connKind
	db   *fsql.DB
	l    *zap.Logger

	queue   chan workItem
	closeCh chan struct{}
	doneCh  chan struct{}
	closeMu sync.Once

	lockMu   sync.Mutex
	lockSlot string // "" means empty
}

// queueCapacity bounds the number of pending work items buffered per Connection before
// QueueWork starts to block the caller.
const queueCapacity = 1024

// openConnection opens a SQLite handle at dsn through the registered "sqlite3" driver,
// pins it to exactly one physical connection, and starts its worker goroutine.
func openConnection(name string, kind connKind, dsn string, l *zap.Logger) (*Connection, error) {
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrapError(ErrorKindSQLite, lazyerrors.Error(err))
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	label := name + "/" + string(kind)

	c := &Connection{
		name:    name,
		kind:    kind,
		db:      fsql.WrapDB(sqlDB, label, l),
		l:       l.Named(label),
		queue:   make(chan workItem, queueCapacity),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go c.run()

	return c, nil
}

// run is the Connection's worker goroutine: it drains the work queue in FIFO order
// until Close is called, at which point it rejects anything left queued.
func (c *Connection) run() {
	defer close(c.doneCh)

	for {
		// check closeCh first: a select with both cases ready picks one at random, which
		// would let queued items run after Close
		select {
		case <-c.closeCh:
			c.rejectQueued()
			return
		default:
		}

		select {
		case item := <-c.queue:
			item(c.db, nil)
		case <-c.closeCh:
			c.rejectQueued()
			return
		}
	}
}

// rejectQueued drains any work items left in the queue at close time, resolving each
// with an ErrorKindClosing error instead of running it.
func (c *Connection) rejectQueued() {
	for {
		select {
		case item := <-c.queue:
			item(nil, errClosing())
		default:
			return
		}
	}
}

// QueueWork appends item to the work queue. Tasks execute one at a time on the worker
// goroutine, in FIFO order. It returns an ErrorKindClosing error if the Connection is
// closing or closed.
func (c *Connection) QueueWork(item workItem) error {
	select {
	case <-c.closeCh:
		return errClosing()
	default:
	}

	select {
	case c.queue <- item:
		return nil
	case <-c.closeCh:
		return errClosing()
	}
}

// ActivateLock atomically sets the lock slot from empty to contextID.
//
// The caller (the Pool) guarantees the slot is currently empty.
func (c *Connection) ActivateLock(contextID string) {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	c.lockSlot = contextID
}

// MatchesLock reports whether contextID currently holds this Connection's lock slot.
func (c *Connection) MatchesLock(contextID string) bool {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	return c.lockSlot == contextID
}

// IsEmptyLock reports whether the lock slot is currently empty.
func (c *Connection) IsEmptyLock() bool {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	return c.lockSlot == ""
}

// ClearLock sets the lock slot back to empty.
func (c *Connection) ClearLock() {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	c.lockSlot = ""
}

// Close instructs the worker to stop accepting new work, drains and rejects anything
// still queued, closes the underlying handle, and waits for the worker to exit. Safe to
// call more than once; only the first call does anything.
func (c *Connection) Close() error {
	var err error

	c.closeMu.Do(func() {
		close(c.closeCh)
		<-c.doneCh
		err = c.db.Close()
	})

	return err
}
