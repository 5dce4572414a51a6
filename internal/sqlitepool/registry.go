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
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/quicksqlite/lockpool/internal/util/lazyerrors"
)

// Registry is a process-wide mapping from database name to Pool. Unlike the original
// design's single process-wide std::map, every Registry here is an explicit value: tests
// construct independent Registries, and [Default] provides a package-level singleton
// only for callers that want that original process-wide behavior.
type Registry struct {
	l *zap.Logger

	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRegistry returns an empty Registry logging through l.
func NewRegistry(l *zap.Logger) *Registry {
	return &Registry{
		l:     l.Named("registry"),
		pools: make(map[string]*Pool),
	}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns a package-level Registry shared by every caller that uses it,
// matching the original's process-wide semantics for callers that want them.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(zap.NewNop())
	})

	return defaultRegistry
}

// Open constructs a Pool for name and registers it. It fails with ErrorKindAlreadyOpen
// if name is already mapped.
//
// onAvail fires exactly once per successful RequestLock grant, from whichever goroutine
// performed the grant; it must not call back into this Registry for the same name
// synchronously, to avoid reentrant deadlock. updateHook may be nil.
func (reg *Registry) Open(name string, opts Options, onAvail OnContextAvailableFunc, updateHook UpdateHookFunc) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.pools[name]; ok {
		return errAlreadyOpen(name)
	}

	pool, err := openPool(name, opts, onAvail, updateHook, reg.l)
	if err != nil {
		return err
	}

	reg.pools[name] = pool

	reg.l.Info("database opened", zap.String("name", name))

	return nil
}

// lookup returns the Pool registered for name, or nil if absent.
func (reg *Registry) lookup(name string) *Pool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return reg.pools[name]
}

// Close closes the Pool for name and removes it from the Registry. It fails with
// ErrorKindNotOpen if name is not mapped.
func (reg *Registry) Close(name string) error {
	reg.mu.Lock()
	pool, ok := reg.pools[name]
	if ok {
		delete(reg.pools, name)
	}
	reg.mu.Unlock()

	if !ok {
		return errNotOpen(name)
	}

	reg.l.Info("database closed", zap.String("name", name))

	return pool.CloseAll()
}

// CloseAll closes every registered Pool and clears the Registry. It is intended as a
// process-shutdown hook.
func (reg *Registry) CloseAll() error {
	reg.mu.Lock()
	pools := reg.pools
	reg.pools = make(map[string]*Pool)
	reg.mu.Unlock()

	var firstErr error

	for name, pool := range pools {
		if err := pool.CloseAll(); err != nil && firstErr == nil {
			firstErr = err
		}

		reg.l.Info("database closed", zap.String("name", name))
	}

	return firstErr
}

// Databases returns the names of every currently open database, sorted for
// deterministic iteration order.
func (reg *Registry) Databases() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	names := maps.Keys(reg.pools)
	slices.Sort(names)

	return names
}

// RequestLock requests a lock of the given kind on behalf of contextID against the
// database name. It fails with ErrorKindNotOpen if name is not mapped.
func (reg *Registry) RequestLock(name string, kind LockKind, contextID string) error {
	pool := reg.lookup(name)
	if pool == nil {
		return errNotOpen(name)
	}

	return pool.RequestLock(kind, contextID)
}

// ReleaseLock releases contextID's lock against name. It silently succeeds if name is
// not mapped, which is the required escape hatch for a caller racing a Close.
func (reg *Registry) ReleaseLock(name, contextID string) {
	pool := reg.lookup(name)
	if pool == nil {
		return
	}

	pool.ReleaseLock(contextID)
}

// ExecuteInContext runs a parameterized query against contextID's bound Connection in
// database name.
func (reg *Registry) ExecuteInContext(ctx context.Context, name, contextID, query string, params []Value) (*Rows, error) {
	pool := reg.lookup(name)
	if pool == nil {
		return nil, errNotOpen(name)
	}

	return pool.ExecuteInContext(ctx, contextID, query, params)
}

// ExecuteLiteralInContext runs an unparameterized statement against contextID's bound
// Connection in database name.
func (reg *Registry) ExecuteLiteralInContext(ctx context.Context, name, contextID, query string) (rowsAffected, insertRowID int64, err error) {
	pool := reg.lookup(name)
	if pool == nil {
		return 0, 0, errNotOpen(name)
	}

	return pool.ExecuteLiteralInContext(ctx, contextID, query)
}

// Attach ATTACHes a database file under alias on every Connection of name.
func (reg *Registry) Attach(name, path, alias string) error {
	pool := reg.lookup(name)
	if pool == nil {
		return errNotOpen(name)
	}

	return pool.Attach(path, alias)
}

// Detach DETACHes alias from every Connection of name.
func (reg *Registry) Detach(name, alias string) error {
	pool := reg.lookup(name)
	if pool == nil {
		return errNotOpen(name)
	}

	return pool.Detach(alias)
}

// RegisterUpdateHook installs hook on the write Connection of name.
func (reg *Registry) RegisterUpdateHook(name string, hook UpdateHookFunc) error {
	pool := reg.lookup(name)
	if pool == nil {
		return errNotOpen(name)
	}

	return pool.RegisterUpdateHook(hook)
}

// ImportFile imports the SQL statements in the file at filePath into database name,
// under an internally held write lock. See Pool.ImportFile for details.
func (reg *Registry) ImportFile(ctx context.Context, name, filePath string) (int, error) {
	pool := reg.lookup(name)
	if pool == nil {
		return 0, errNotOpen(name)
	}

	return pool.ImportFile(ctx, filePath)
}

// Remove closes name if open, then deletes its SQLite file together with the -wal and
// -shm siblings WAL mode leaves behind. A missing file is reported as success.
//
// Remove does not synchronize with Open: an Open of the same name running concurrently
// with Remove can race with the file deletion.
func (reg *Registry) Remove(name string, opts Options) error {
	reg.mu.Lock()
	pool, ok := reg.pools[name]
	if ok {
		delete(reg.pools, name)
	}
	reg.mu.Unlock()

	if ok {
		if err := pool.CloseAll(); err != nil {
			return err
		}
	}

	path := dbPath(name, opts.BaseDir)

	for _, suffix := range []string{"", "-wal", "-shm"} {
		err := os.Remove(path + suffix)
		if err != nil && !os.IsNotExist(err) {
			return wrapError(ErrorKindIO, lazyerrors.Error(err))
		}
	}

	reg.l.Info("database removed", zap.String("name", name))

	return nil
}
