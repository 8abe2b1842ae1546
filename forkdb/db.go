// Package forkdb is the DbFacade: the public entry point that owns the
// process-wide meta-table, the table-opener/singleflight machinery, and
// the compaction planner, and exposes the operations named in
// SPEC_FULL.md §6.
package forkdb

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"forkdb/compact"
	"forkdb/config"
	"forkdb/kv"
	"forkdb/registry"
	"forkdb/segment"
	"forkdb/table"
)

// Db is the process-wide handle for one database root directory.
type Db struct {
	cfg    *config.Config
	logger log.Logger
	metReg prometheus.Registerer

	registry *registry.ForkRegistry
	opener   *registry.TableOpener
	planner  *compact.Planner

	mu         sync.RWMutex
	openTables map[kv.TabName]*table.KVStore
	sf         singleflight.Group
}

// Option customizes a Db built by New, independent of the storage-level
// config.Option tier (see SPEC_FULL.md §6, "three-tier precedence").
type Option func(*dbOptions)

type dbOptions struct {
	logger  log.Logger
	metReg  prometheus.Registerer
	cfgOpts []config.Option
}

// WithLogger overrides the logger threaded through every component. The
// default is a no-op logger.
func WithLogger(l log.Logger) Option {
	return func(o *dbOptions) { o.logger = l }
}

// WithMetricsRegisterer overrides the prometheus.Registerer every
// component's counters are registered against. A nil registerer (the
// default) falls back to a private registry per segment set.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(o *dbOptions) { o.metReg = r }
}

// WithConfig threads additional config.Option values into the assembled
// Config (applied after DB_PATH/LOG_FILE_SIZE env vars, before nothing
// else — see config.New).
func WithConfig(opts ...config.Option) Option {
	return func(o *dbOptions) { o.cfgOpts = append(o.cfgOpts, opts...) }
}

// New opens (creating if necessary) the database rooted at root, with
// logFileSizeMiB as the initial target writable-segment size. This is
// the §6 `New(root, size, opts...) -> *Db` entry point.
func New(root string, logFileSizeMiB int64, opts ...Option) (*Db, error) {
	o := &dbOptions{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(o)
	}

	cfgOpts := append(
		[]config.Option{config.WithDBPath(root), config.WithLogFileSizeMiB(logFileSizeMiB)},
		o.cfgOpts...,
	)
	cfg := config.New(cfgOpts...)

	metaDir := filepath.Join(cfg.DBPath, config.MetaTableName)
	metaLog, err := segment.Open(metaDir, o.logger, o.metReg)
	if err != nil {
		return nil, fmt.Errorf("forkdb: open meta table: %w", err)
	}

	metaLoader := segment.NewPairLoader(metaLog.HeadSegmentPath())
	if err := metaLog.Load(metaLoader, nil); err != nil {
		return nil, fmt.Errorf("forkdb: replay meta table: %w", err)
	}

	metaRoot := table.NewRoot()
	for key, val := range metaLoader.LiveMap {
		metaRoot = metaRoot.Set(key, val)
	}
	metaStore := table.New(kv.TabName(config.MetaTableName), metaRoot, metaLog, o.logger)
	metaStore.SetStatistics(metaLoader.Statistics())

	reg, err := registry.NewForkRegistry(metaStore, o.logger)
	if err != nil {
		return nil, err
	}

	db := &Db{
		cfg:      cfg,
		logger:   o.logger,
		metReg:   o.metReg,
		registry: reg,
		opener:   registry.NewTableOpener(cfg, reg, o.logger, o.metReg),
		planner:  compact.New(o.logger),
		openTables: map[kv.TabName]*table.KVStore{
			kv.TabName(config.MetaTableName): metaStore,
		},
	}
	return db, nil
}

// Open returns the live KVStore for name, opening (and, via
// TableOpener's fork-chain walk, replaying) it on first access. Racing
// first-opens of the same name are collapsed into a single replay by a
// singleflight.Group (see SPEC_FULL.md §5).
func (d *Db) Open(name kv.TabName) (*table.KVStore, error) {
	d.mu.RLock()
	if t, ok := d.openTables[name]; ok {
		d.mu.RUnlock()
		return t, nil
	}
	d.mu.RUnlock()

	v, err, _ := d.sf.Do(string(name), func() (any, error) {
		d.mu.RLock()
		if t, ok := d.openTables[name]; ok {
			d.mu.RUnlock()
			return t, nil
		}
		d.mu.RUnlock()

		t, err := d.opener.Open(name, nil)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.openTables[name] = t
		d.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*table.KVStore), nil
}

// ForceSplit seals the writable head of every currently open table
// (including the meta-table), starting a fresh one for each.
func (d *Db) ForceSplit() error {
	d.mu.RLock()
	tables := make([]*table.KVStore, 0, len(d.openTables))
	for _, t := range d.openTables {
		tables = append(tables, t)
	}
	d.mu.RUnlock()

	for _, t := range tables {
		if _, err := t.Log().Split(); err != nil {
			return fmt.Errorf("forkdb: force split %s: %w", t.Name, err)
		}
	}
	return nil
}

// Collect runs the compaction planner against every currently open
// table.
func (d *Db) Collect() error {
	d.mu.RLock()
	tables := make([]*table.KVStore, 0, len(d.openTables))
	for _, t := range d.openTables {
		tables = append(tables, t)
	}
	d.mu.RUnlock()

	for _, t := range tables {
		if err := d.planner.Run(t.Name, t, d.registry); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a handle exposing the registry-level operations:
// listing tables, reading/altering metadata, forking, and beginning
// transactions.
func (d *Db) Snapshot() *Snapshot {
	return &Snapshot{db: d}
}
