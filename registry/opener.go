package registry

import (
	"fmt"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"forkdb/config"
	"forkdb/kv"
	"forkdb/segment"
	"forkdb/table"
)

// TableOpener resolves a table name into a live *table.KVStore by reading
// its TableMetaInfo, walking the fork chain to the root, and replaying
// every table's segments newest-to-oldest into one shared PairLoader (see
// SPEC_FULL.md §4.6).
type TableOpener struct {
	cfg    *config.Config
	reg    *ForkRegistry
	logger log.Logger
	metReg prometheus.Registerer
}

// NewTableOpener builds a TableOpener. metReg may be nil, in which case a
// private registry is used for each table's segment metrics.
func NewTableOpener(cfg *config.Config, reg *ForkRegistry, logger log.Logger, metReg prometheus.Registerer) *TableOpener {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &TableOpener{cfg: cfg, reg: reg, logger: logger, metReg: metReg}
}

// dirFor returns the on-disk directory for a table's LogSegmentSet.
func (o *TableOpener) dirFor(name kv.TabName) string {
	return filepath.Join(o.cfg.DBPath, string(name))
}

// openSegments opens name's LogSegmentSet, creating its directory on
// first use.
func (o *TableOpener) openSegments(name kv.TabName) (*segment.Set, error) {
	return segment.Open(o.dirFor(name), o.logger, o.metReg)
}

// Open implements the §4.6 algorithm. createSchema, when non-nil, is used
// to register a brand-new table's meta entry if name has none yet;
// otherwise a missing meta entry is a TableNotFoundError.
func (o *TableOpener) Open(name kv.TabName, createSchema []byte) (*table.KVStore, error) {
	meta, err := o.reg.Get(name)
	if err != nil {
		if _, isNotFound := asTableNotFound(err); isNotFound && createSchema != nil {
			if cerr := o.reg.Create(name, createSchema); cerr != nil {
				return nil, cerr
			}
			meta, err = o.reg.Get(name)
		}
		if err != nil {
			return nil, err
		}
	}

	leafLog, err := o.openSegments(name)
	if err != nil {
		return nil, err
	}

	loader := segment.NewPairLoader(leafLog.HeadSegmentPath())
	if err := leafLog.Load(loader, nil); err != nil {
		return nil, fmt.Errorf("registry: open %s: replay leaf: %w", name, err)
	}
	// Compaction statistics cover only this table's own segments: the
	// ancestor replays below add entries for segment paths that belong to
	// other tables' LogSegmentSets.
	leafStats := append([]segment.StatEntry(nil), loader.Statistics()...)

	cur := meta
	for cur.HasParent {
		ancestorLog, err := o.openSegments(cur.Parent)
		if err != nil {
			return nil, err
		}
		cutoff := cur.ParentSegmentID
		if err := ancestorLog.Load(loader, &cutoff); err != nil {
			ancestorLog.Close()
			return nil, fmt.Errorf("registry: open %s: replay ancestor %s: %w", name, cur.Parent, err)
		}
		ancestorLog.Close()

		ancestorMeta, err := o.reg.Get(cur.Parent)
		if err != nil {
			return nil, err
		}
		cur = ancestorMeta
	}

	root := table.NewRoot()
	for key, val := range loader.LiveMap {
		root = root.Set(key, val)
	}

	store := table.New(name, root, leafLog, o.logger)
	store.SetStatistics(leafStats)

	level.Debug(o.logger).Log("msg", "table opened", "table", name, "keys", root.Len())
	return store, nil
}

func asTableNotFound(err error) (*kv.TableNotFoundError, bool) {
	tnf, ok := err.(*kv.TableNotFoundError)
	return tnf, ok
}
