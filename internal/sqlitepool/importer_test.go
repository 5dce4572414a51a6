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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quicksqlite/lockpool/internal/util/testutil"
)

func TestSplitSQLStatements(t *testing.T) {
	t.Parallel()

	input := `
-- a leading comment
CREATE TABLE t (id INTEGER, name TEXT);
/* a block
   comment */
INSERT INTO t VALUES (1, 'it''s; fine'); -- trailing comment
INSERT INTO t VALUES (2, 'two')
`

	stmts := splitSQLStatements(input)
	require.Len(t, stmts, 3)
	require.Contains(t, stmts[0], "CREATE TABLE t")
	require.Contains(t, stmts[1], "it''s; fine")
	require.Contains(t, stmts[2], "INSERT INTO t VALUES (2, 'two')")
}

func TestSplitSQLStatementsEmptyInput(t *testing.T) {
	t.Parallel()

	require.Empty(t, splitSQLStatements(""))
	require.Empty(t, splitSQLStatements("  \n -- just a comment\n"))
}

func TestPoolImportFile(t *testing.T) {
	t.Parallel()

	pool, _ := openTestPool(t, 2)

	sqlPath := filepath.Join(t.TempDir(), "import.sql")
	script := "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT);\n" +
		"INSERT INTO t (name) VALUES ('one');\n" +
		"INSERT INTO t (name) VALUES ('two');\n"
	require.NoError(t, os.WriteFile(sqlPath, []byte(script), 0o600))

	n, err := pool.ImportFile(testutil.Ctx(t), sqlPath)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, pool.RequestLock(LockKindRead, "verify"))

	rows, err := pool.ExecuteInContext(testutil.Ctx(t), "verify", "SELECT COUNT(*) AS c FROM t", nil)
	require.NoError(t, err)
	require.Len(t, rows.Rows, 1)
	require.Equal(t, int64(2), rows.Rows[0]["c"].Integer)

	pool.ReleaseLock("verify")
}

func TestPoolImportFileRollsBackOnError(t *testing.T) {
	t.Parallel()

	pool, _ := openTestPool(t, 0)

	sqlPath := filepath.Join(t.TempDir(), "import.sql")
	script := "CREATE TABLE t (id INTEGER PRIMARY KEY);\n" +
		"INSERT INTO t (id) VALUES (1);\n" +
		"INSERT INTO nonexistent_table (id) VALUES (2);\n"
	require.NoError(t, os.WriteFile(sqlPath, []byte(script), 0o600))

	_, err := pool.ImportFile(testutil.Ctx(t), sqlPath)
	require.Error(t, err)

	var sqliteErr *Error
	require.ErrorAs(t, err, &sqliteErr)
	require.Contains(t, sqliteErr.Message, "statement 3")

	require.NoError(t, pool.RequestLock(LockKindWrite, "verify"))

	_, _, execErr := pool.ExecuteLiteralInContext(testutil.Ctx(t), "verify", "SELECT * FROM t")
	require.Error(t, execErr) // table t should not exist: the whole transaction rolled back

	pool.ReleaseLock("verify")
}

func TestPoolImportFileMissingFile(t *testing.T) {
	t.Parallel()

	pool, _ := openTestPool(t, 0)

	_, err := pool.ImportFile(testutil.Ctx(t), filepath.Join(t.TempDir(), "nope.sql"))
	require.Error(t, err)

	var sqliteErr *Error
	require.ErrorAs(t, err, &sqliteErr)
	require.Equal(t, ErrorKindIO, sqliteErr.Kind)
}
