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
	"sync"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/quicksqlite/lockpool/internal/util/fsql"
	"github.com/quicksqlite/lockpool/internal/util/testutil"
)

// openTestPool opens a Pool backed by a fresh file in a temp directory, collecting
// every on-context-available notification into a channel the test can drain.
func openTestPool(t *testing.T, numReaders int) (*Pool, chan string) {
	t.Helper()

	avail := make(chan string, 256)

	onAvail := func(dbName, contextID string) {
		avail <- contextID
	}

	pool, err := openPool(t.Name(), Options{NumReadConnections: numReaders, BaseDir: t.TempDir()}, onAvail, nil, testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { pool.CloseAll() })

	return pool, avail
}

func TestPoolWriteLockExclusive(t *testing.T) {
	t.Parallel()

	pool, avail := openTestPool(t, 0)

	require.NoError(t, pool.RequestLock(LockKindWrite, "ctx-1"))
	require.Equal(t, "ctx-1", <-avail)
	require.True(t, pool.writer.MatchesLock("ctx-1"))

	require.NoError(t, pool.RequestLock(LockKindWrite, "ctx-2"))

	select {
	case id := <-avail:
		t.Fatalf("ctx-2 should not have been granted yet, got %q", id)
	default:
	}

	pool.ReleaseLock("ctx-1")
	require.Equal(t, "ctx-2", <-avail)
	require.True(t, pool.writer.MatchesLock("ctx-2"))
}

func TestPoolReadLockFIFOFairness(t *testing.T) {
	t.Parallel()

	pool, avail := openTestPool(t, 1)

	require.NoError(t, pool.RequestLock(LockKindRead, "ctx-1"))
	require.Equal(t, "ctx-1", <-avail)

	// the single reader is now busy; ctx-2 and ctx-3 must queue, in order
	require.NoError(t, pool.RequestLock(LockKindRead, "ctx-2"))
	require.NoError(t, pool.RequestLock(LockKindRead, "ctx-3"))

	select {
	case id := <-avail:
		t.Fatalf("no context should have been granted yet, got %q", id)
	default:
	}

	pool.ReleaseLock("ctx-1")
	require.Equal(t, "ctx-2", <-avail)

	pool.ReleaseLock("ctx-2")
	require.Equal(t, "ctx-3", <-avail)
}

func TestPoolConcurrencyDisabledRoutesEverythingToWriter(t *testing.T) {
	t.Parallel()

	pool, avail := openTestPool(t, 0)

	require.NoError(t, pool.RequestLock(LockKindRead, "ctx-1"))
	require.Equal(t, "ctx-1", <-avail)
	require.True(t, pool.writer.MatchesLock("ctx-1"))
	require.Empty(t, pool.readers)
}

func TestPoolReleaseUnknownContextIsNoOp(t *testing.T) {
	t.Parallel()

	pool, _ := openTestPool(t, 1)

	require.NotPanics(t, func() {
		pool.ReleaseLock("never-requested")
	})
}

func TestPoolQueueInContextUnknownContextFails(t *testing.T) {
	t.Parallel()

	pool, _ := openTestPool(t, 0)

	_, _, err := pool.ExecuteLiteralInContext(testutil.Ctx(t), "no-such-context", "SELECT 1")
	require.Error(t, err)
	t.Log(err)
}

func TestPoolAttachDetachRequiresIdleConnections(t *testing.T) {
	t.Parallel()

	pool, avail := openTestPool(t, 1)

	require.NoError(t, pool.RequestLock(LockKindWrite, "ctx-1"))
	require.Equal(t, "ctx-1", <-avail)

	err := pool.Attach("/tmp/does-not-matter.sqlite", "other")
	require.Error(t, err)

	var sqliteErr *Error
	require.ErrorAs(t, err, &sqliteErr)
	require.Equal(t, ErrorKindConnectionsLocked, sqliteErr.Kind)

	pool.ReleaseLock("ctx-1")
}

func TestPoolAttachDetachRoundTrip(t *testing.T) {
	t.Parallel()

	pool, _ := openTestPool(t, 1)

	otherPath := t.TempDir() + "/other.sqlite"

	require.NoError(t, pool.Attach(otherPath, "other"))
	require.NoError(t, pool.Detach("other"))
}

func TestPoolExecuteInContextRoundTrip(t *testing.T) {
	t.Parallel()

	pool, avail := openTestPool(t, 0)

	require.NoError(t, pool.RequestLock(LockKindWrite, "ctx-1"))
	require.Equal(t, "ctx-1", <-avail)

	_, _, err := pool.ExecuteLiteralInContext(testutil.Ctx(t), "ctx-1", "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	rows, err := pool.ExecuteInContext(testutil.Ctx(t), "ctx-1", "INSERT INTO t (name) VALUES (?)", []Value{TextValue("hello")})
	require.NoError(t, err)
	require.EqualValues(t, 1, rows.RowsAffected)
	require.EqualValues(t, 1, rows.InsertRowID)

	rows, err = pool.ExecuteInContext(testutil.Ctx(t), "ctx-1", "SELECT id, name FROM t", nil)
	require.NoError(t, err)
	require.Len(t, rows.Rows, 1)
	require.Equal(t, TextValue("hello"), rows.Rows[0]["name"])
	require.Equal(t, KindInteger, rows.Rows[0]["id"].Kind)

	pool.ReleaseLock("ctx-1")
}

func TestPoolConcurrentReadersRunInParallel(t *testing.T) {
	t.Parallel()

	pool, avail := openTestPool(t, 4)

	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		ctxID := string(rune('a' + i))

		wg.Add(1)

		go func() {
			defer wg.Done()
			require.NoError(t, pool.RequestLock(LockKindRead, ctxID))
		}()
	}

	granted := map[string]bool{}

	for i := 0; i < 4; i++ {
		granted[<-avail] = true
	}

	wg.Wait()

	require.Len(t, granted, 4)

	for _, r := range pool.readers {
		require.False(t, r.IsEmptyLock())
	}
}

func TestPoolUpdateHookFiresOnInsert(t *testing.T) {
	t.Parallel()

	type hookCall struct {
		opType    int
		tableName string
		rowID     int64
	}

	calls := make(chan hookCall, 4)

	hook := func(opType int, databaseName, tableName string, rowID int64) {
		require.Equal(t, t.Name(), databaseName)
		calls <- hookCall{opType: opType, tableName: tableName, rowID: rowID}
	}

	pool, err := openPool(t.Name(), Options{BaseDir: t.TempDir()}, nil, hook, testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { pool.CloseAll() })

	require.NoError(t, pool.RequestLock(LockKindWrite, "ctx-1"))

	_, _, err = pool.ExecuteLiteralInContext(testutil.Ctx(t), "ctx-1", "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	_, _, err = pool.ExecuteLiteralInContext(testutil.Ctx(t), "ctx-1", "INSERT INTO t (id, name) VALUES (1, 'a')")
	require.NoError(t, err)

	call := <-calls
	require.Equal(t, sqlite3.SQLITE_INSERT, call.opType)
	require.Equal(t, "t", call.tableName)
	require.Equal(t, int64(1), call.rowID)

	pool.ReleaseLock("ctx-1")
}

func TestPoolUpdateHookReplacedByRegisterUpdateHook(t *testing.T) {
	t.Parallel()

	pool, _ := openTestPool(t, 0)

	firstCalls := make(chan int, 4)
	secondCalls := make(chan int, 4)

	require.NoError(t, pool.RegisterUpdateHook(func(opType int, _, _ string, _ int64) {
		firstCalls <- opType
	}))
	require.NoError(t, pool.RegisterUpdateHook(func(opType int, _, _ string, _ int64) {
		secondCalls <- opType
	}))

	require.NoError(t, pool.RequestLock(LockKindWrite, "ctx-1"))

	_, _, err := pool.ExecuteLiteralInContext(testutil.Ctx(t), "ctx-1", "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	_, _, err = pool.ExecuteLiteralInContext(testutil.Ctx(t), "ctx-1", "INSERT INTO t (id) VALUES (1)")
	require.NoError(t, err)

	require.Equal(t, sqlite3.SQLITE_INSERT, <-secondCalls)

	select {
	case op := <-firstCalls:
		t.Fatalf("replaced hook fired, got opType %d", op)
	default:
	}

	pool.ReleaseLock("ctx-1")
}

func TestPoolWriterUsesWALJournalMode(t *testing.T) {
	t.Parallel()

	pool, avail := openTestPool(t, 0)

	require.NoError(t, pool.RequestLock(LockKindWrite, "ctx-1"))
	require.Equal(t, "ctx-1", <-avail)

	rows, err := pool.ExecuteInContext(testutil.Ctx(t), "ctx-1", "PRAGMA journal_mode", nil)
	require.NoError(t, err)
	require.Len(t, rows.Rows, 1)
	require.Equal(t, "wal", rows.Rows[0]["journal_mode"].Text)

	pool.ReleaseLock("ctx-1")
}

func TestPoolOperationsFailAfterClose(t *testing.T) {
	t.Parallel()

	pool, err := openPool(t.Name(), Options{BaseDir: t.TempDir()}, nil, nil, testutil.Logger(t))
	require.NoError(t, err)

	require.NoError(t, pool.CloseAll())

	require.Error(t, pool.RequestLock(LockKindWrite, "ctx-1"))
	require.Error(t, pool.QueueInContext("ctx-1", func(db *fsql.DB, closingErr error) {}))
	require.Error(t, pool.Attach("/tmp/other.sqlite", "other"))
	require.Error(t, pool.Detach("other"))

	_, importErr := pool.ImportFile(testutil.Ctx(t), "/tmp/does-not-matter.sql")
	require.Error(t, importErr)
}
