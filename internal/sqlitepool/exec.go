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

	"github.com/quicksqlite/lockpool/internal/util/fsql"
	"github.com/quicksqlite/lockpool/internal/util/lazyerrors"
)

// execParameterized binds params positionally by their Kind, runs query against db, and
// materializes every returned row together with its column metadata and the
// rows-affected / last-insert-id counters SQLite tracked for the statement. It is only
// ever called from inside a Connection's worker goroutine.
func execParameterized(ctx context.Context, db *fsql.DB, query string, params []Value) (*Rows, error) {
	args := make([]any, len(params))

	for i, p := range params {
		v, err := p.driverValue()
		if err != nil {
			return nil, wrapError(ErrorKindSQLite, lazyerrors.Error(err))
		}

		args[i] = v
	}

	var totalBefore int64
	if err := db.QueryRowContext(ctx, "SELECT total_changes()").Scan(&totalBefore); err != nil {
		return nil, wrapError(ErrorKindSQLite, lazyerrors.Error(err))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError(ErrorKindSQLite, lazyerrors.Error(err))
	}

	result, err := materialize(rows)

	rows.Close()

	if err != nil {
		return nil, wrapError(ErrorKindSQLite, lazyerrors.Error(err))
	}

	// changes()/last_insert_rowid() are per-connection counters maintained by SQLite
	// itself; reading them right after the statement, on the same Connection worker
	// goroutine and so the same physical connection, reports what that statement did
	// even though QueryContext never surfaces a sql.Result. changes() keeps the count of
	// the last INSERT/UPDATE/DELETE, so a statement that left total_changes() unchanged
	// reports zero rows affected instead.
	rowsAffected, insertRowID, err := queryChangeCounters(ctx, db)
	if err != nil {
		return nil, wrapError(ErrorKindSQLite, lazyerrors.Error(err))
	}

	var totalAfter int64
	if err = db.QueryRowContext(ctx, "SELECT total_changes()").Scan(&totalAfter); err != nil {
		return nil, wrapError(ErrorKindSQLite, lazyerrors.Error(err))
	}

	if totalAfter == totalBefore {
		rowsAffected = 0
	}

	result.RowsAffected = rowsAffected
	result.InsertRowID = insertRowID

	return result, nil
}

// queryChangeCounters reads SQLite's connection-wide changes() and last_insert_rowid()
// counters, which reflect the most recently completed INSERT/UPDATE/DELETE.
func queryChangeCounters(ctx context.Context, db *fsql.DB) (rowsAffected, insertRowID int64, err error) {
	row := db.QueryRowContext(ctx, "SELECT changes(), last_insert_rowid()")

	if err = row.Scan(&rowsAffected, &insertRowID); err != nil {
		return 0, 0, lazyerrors.Error(err)
	}

	return rowsAffected, insertRowID, nil
}

// materialize reads every row of rows into a *Rows, inferring each column's Value.Kind
// from the dynamic Go type database/sql produced for it.
func materialize(rows *fsql.Rows) (*Rows, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	names, err := rows.Columns()
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	columns := make([]ColumnMetadata, len(names))

	for i, name := range names {
		dbType := colTypes[i].DatabaseTypeName()
		if dbType == "" {
			dbType = "UNKNOWN"
		}

		columns[i] = ColumnMetadata{Index: i, Name: name, DatabaseType: dbType}
	}

	result := &Rows{Columns: columns}

	scanTargets := make([]any, len(names))
	scanValues := make([]any, len(names))

	for i := range scanTargets {
		scanTargets[i] = &scanValues[i]
	}

	for rows.Next() {
		if err = rows.Scan(scanTargets...); err != nil {
			return nil, lazyerrors.Error(err)
		}

		row := make(Row, len(names))

		for i, name := range names {
			row[name] = valueFromDriver(scanValues[i])
		}

		result.Rows = append(result.Rows, row)
	}

	if err = rows.Err(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return result, nil
}

// execLiteral runs an unparameterized statement against db and reports only the
// rows-affected / last-insert-id counters. Used for PRAGMAs, ATTACH/DETACH, and
// transaction control.
func execLiteral(ctx context.Context, db *fsql.DB, query string) (rowsAffected int64, insertRowID int64, err error) {
	res, err := db.ExecContext(ctx, query)
	if err != nil {
		return 0, 0, wrapError(ErrorKindSQLite, lazyerrors.Error(err))
	}

	rowsAffected, _ = res.RowsAffected()
	insertRowID, _ = res.LastInsertId()

	return rowsAffected, insertRowID, nil
}

// execResult carries the outcome of one request routed through a Connection's work
// queue back to the synchronous caller that is waiting on resultCh.
type execResult struct {
	rows *Rows
	err  error
}

// literalResult is execResult's counterpart for execLiteral.
type literalResult struct {
	rowsAffected int64
	insertRowID  int64
	err          error
}
