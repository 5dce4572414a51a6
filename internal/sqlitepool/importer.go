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
	"context"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/quicksqlite/lockpool/internal/util/fsql"
	"github.com/quicksqlite/lockpool/internal/util/lazyerrors"
)

// importContextPrefix marks the synthetic context IDs ImportFile mints for its own
// internally held write lock, distinguishing them (for debugging/logging purposes only)
// from context IDs a caller generated itself.
const importContextPrefix = "sqlitepool-import-"

// ImportFile reads the SQL text file at filePath, splits it into statements, and
// executes each inside one transaction on the write Connection. It acquires and
// releases the write lock itself, internally, under a synthetic context ID, so the
// caller needs none of its own and the Pool stays open and usable for the whole
// import.
//
// On success it returns the number of non-empty statements executed. On the first
// failing statement, the transaction is rolled back and the returned error identifies
// the statement's 1-based index.
func (p *Pool) ImportFile(ctx context.Context, filePath string) (int, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errIO("file %q does not exist", filePath)
		}

		return 0, wrapError(ErrorKindIO, lazyerrors.Error(err))
	}

	statements := splitSQLStatements(string(data))

	contextID := importContextPrefix + uuid.NewString()

	if err = p.acquireWriteLockSync(ctx, contextID); err != nil {
		return 0, err
	}
	defer p.ReleaseLock(contextID)

	resultCh := make(chan literalResult, 1)

	err = p.writer.QueueWork(func(db *fsql.DB, closingErr error) {
		if closingErr != nil {
			resultCh <- literalResult{err: closingErr}
			return
		}

		n, err := runImport(ctx, db, statements)
		resultCh <- literalResult{rowsAffected: int64(n), err: err}
	})
	if err != nil {
		return 0, err
	}

	res := <-resultCh

	return int(res.rowsAffected), res.err
}

// runImport wraps statements in BEGIN/COMMIT and executes them in order, stopping and
// rolling back at the first failure.
func runImport(ctx context.Context, db *fsql.DB, statements []string) (int, error) {
	if _, _, err := execLiteral(ctx, db, "BEGIN"); err != nil {
		return 0, wrapError(ErrorKindSQLite, lazyerrors.Error(err))
	}

	executed := 0

	for i, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}

		if _, _, err := execLiteral(ctx, db, stmt); err != nil {
			_, _, _ = execLiteral(ctx, db, "ROLLBACK")
			return 0, newError(ErrorKindSQLite, "statement %d: %s", i+1, err)
		}

		executed++
	}

	if _, _, err := execLiteral(ctx, db, "COMMIT"); err != nil {
		return 0, wrapError(ErrorKindSQLite, lazyerrors.Error(err))
	}

	return executed, nil
}

// splitSQLStatements splits input on statement-terminating semicolons, respecting
// single-quoted string literals (including '' escapes) and stripping -- line comments
// and /* */ block comments that fall outside of them.
func splitSQLStatements(input string) []string {
	var statements []string

	var cur strings.Builder

	var inString, inLineComment, inBlockComment bool

	runes := []rune(input)
	n := len(runes)

	for i := 0; i < n; i++ {
		c := runes[i]

		switch {
		case inLineComment:
			if c == '\n' {
				inLineComment = false
				cur.WriteRune(c)
			}
		case inBlockComment:
			if c == '*' && i+1 < n && runes[i+1] == '/' {
				inBlockComment = false
				i++
			}
		case inString:
			cur.WriteRune(c)

			if c == '\'' {
				if i+1 < n && runes[i+1] == '\'' {
					cur.WriteRune(runes[i+1])
					i++
				} else {
					inString = false
				}
			}
		case c == '\'':
			inString = true
			cur.WriteRune(c)
		case c == '-' && i+1 < n && runes[i+1] == '-':
			inLineComment = true
			i++
		case c == '/' && i+1 < n && runes[i+1] == '*':
			inBlockComment = true
			i++
		case c == ';':
			statements = append(statements, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}

	if strings.TrimSpace(cur.String()) != "" {
		statements = append(statements, cur.String())
	}

	return statements
}
