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

// Command lockpoolctl is a small demonstration binding layer over
// internal/sqlitepool: it opens one database, requests a lock the way a real
// binding would, runs either a literal statement or a file import, and exits.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quicksqlite/lockpool/internal/sqlitepool"
	"github.com/quicksqlite/lockpool/internal/util/logging"
)

// The cli struct represents all command-line flags, parsed via kong.
var cli struct {
	Dir      string `default:"."    help:"Base directory for SQLite database files."`
	DB       string `default:"lockpool" help:"Database name, without the .sqlite extension."`
	Readers  int    `default:"4"    help:"Number of reader connections. 0 disables read concurrency."`
	LogLevel string `default:"info" help:"Log level: debug, info, warn, error."`

	Exec   string `default:"" help:"Literal SQL statement to execute under a write lock, then exit."`
	Import string `default:"" help:"Path to a SQL file to import under an internally held write lock."`
}

func main() {
	kong.Parse(&cli)

	run()
}

func run() {
	level, err := zapcore.ParseLevel(cli.LogLevel)
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.Setup(level)
	defer logger.Sync() //nolint:errcheck

	if _, err = maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := sqlitepool.NewRegistry(logger)

	granted := make(chan string, 1)

	onAvail := func(dbName, contextID string) {
		logger.Debug("context available", zap.String("database", dbName), zap.String("context", contextID))
		granted <- contextID
	}

	opts := sqlitepool.Options{NumReadConnections: cli.Readers, BaseDir: cli.Dir}

	if err = reg.Open(cli.DB, opts, onAvail, nil); err != nil {
		logger.Sugar().Fatalf("Failed to open database: %s.", err)
	}

	defer func() {
		if err := reg.CloseAll(); err != nil {
			logger.Sugar().Warnf("Failed to close database: %s.", err)
		}
	}()

	switch {
	case cli.Import != "":
		runImport(ctx, logger, reg)
	case cli.Exec != "":
		runExec(ctx, logger, reg, granted)
	default:
		logger.Info("database opened; nothing to do (pass --exec or --import)", zap.String("database", cli.DB))
	}
}

func runImport(ctx context.Context, logger *zap.Logger, reg *sqlitepool.Registry) {
	n, err := reg.ImportFile(ctx, cli.DB, cli.Import)
	if err != nil {
		logger.Sugar().Fatalf("Import failed: %s.", err)
	}

	logger.Info("import complete", zap.Int("statementsExecuted", n))
}

func runExec(ctx context.Context, logger *zap.Logger, reg *sqlitepool.Registry, granted <-chan string) {
	contextID := uuid.NewString()

	if err := reg.RequestLock(cli.DB, sqlitepool.LockKindWrite, contextID); err != nil {
		logger.Sugar().Fatalf("Failed to request lock: %s.", err)
	}

	select {
	case <-granted:
	case <-ctx.Done():
		logger.Sugar().Fatalf("Canceled while waiting for write lock: %s.", ctx.Err())
	}

	defer reg.ReleaseLock(cli.DB, contextID)

	rowsAffected, insertRowID, err := reg.ExecuteLiteralInContext(ctx, cli.DB, contextID, cli.Exec)
	if err != nil {
		logger.Sugar().Fatalf("Exec failed: %s.", err)
	}

	logger.Info("exec complete", zap.Int64("rowsAffected", rowsAffected), zap.Int64("insertRowID", insertRowID))
}
