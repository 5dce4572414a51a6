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
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quicksqlite/lockpool/internal/util/fsql"
	"github.com/quicksqlite/lockpool/internal/util/testutil"
)

func openTestConnection(t *testing.T, kind connKind) *Connection {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.sqlite")

	dsn := writerDSN(path, 0)
	if kind == connKindReader {
		// a reader needs the file to already exist
		w, err := openConnection("test", connKindWriter, writerDSN(path, 0), testutil.Logger(t))
		require.NoError(t, err)
		t.Cleanup(func() { w.Close() })

		dsn = readerDSN(path, 0)
	}

	c, err := openConnection("test", kind, dsn, testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func TestConnectionLockSlot(t *testing.T) {
	t.Parallel()

	c := openTestConnection(t, connKindWriter)

	require.True(t, c.IsEmptyLock())
	require.False(t, c.MatchesLock("ctx-1"))

	c.ActivateLock("ctx-1")
	require.False(t, c.IsEmptyLock())
	require.True(t, c.MatchesLock("ctx-1"))
	require.False(t, c.MatchesLock("ctx-2"))

	c.ClearLock()
	require.True(t, c.IsEmptyLock())
}

func TestConnectionQueueWorkFIFO(t *testing.T) {
	t.Parallel()

	c := openTestConnection(t, connKindWriter)

	var order []int

	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		i := i

		err := c.QueueWork(func(db *fsql.DB, closingErr error) {
			require.NoError(t, closingErr)
			order = append(order, i)

			if i == 9 {
				close(done)
			}
		})
		require.NoError(t, err)
	}

	<-done

	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestConnectionCloseRejectsQueued(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.sqlite")
	c, err := openConnection("test", connKindWriter, writerDSN(path, 0), testutil.Logger(t))
	require.NoError(t, err)

	// block the worker on a task that waits for a signal, so subsequent tasks queue up
	block := make(chan struct{})
	unblocked := make(chan struct{})

	require.NoError(t, c.QueueWork(func(db *fsql.DB, closingErr error) {
		require.NoError(t, closingErr)
		<-block
		close(unblocked)
	}))

	results := make(chan error, 5)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.QueueWork(func(db *fsql.DB, closingErr error) {
			results <- closingErr
		}))
	}

	closeErr := make(chan error, 1)

	go func() {
		closeErr <- c.Close()
	}()

	// wait until Close has signaled the worker before letting the first task finish
	<-c.closeCh

	close(block)
	<-unblocked

	require.NoError(t, <-closeErr)

	for i := 0; i < 5; i++ {
		err := <-results
		require.Error(t, err)

		var sqliteErr *Error
		require.True(t, errors.As(err, &sqliteErr))
		require.Equal(t, ErrorKindClosing, sqliteErr.Kind)
	}

	err = c.QueueWork(func(db *fsql.DB, closingErr error) {})
	require.Error(t, err)
}
