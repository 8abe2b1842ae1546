// Package compact implements CompactionPlanner: the segment-selection
// policy that decides which cold segments to remove or rewrite, and
// drives segment.Set.Collect followed by a statistics rebuild.
package compact

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"forkdb/kv"
	"forkdb/registry"
	"forkdb/segment"
	"forkdb/table"
)

// reuseRatioThreshold is the §4.7 cutoff: a segment whose entries-per-
// unique-live-key ratio is at or above this value is wasteful enough to
// justify a rewrite.
const reuseRatioThreshold = 1.5

// Planner selects and drives compaction for a single table.
type Planner struct {
	logger log.Logger
}

// New builds a Planner.
func New(logger log.Logger) *Planner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Planner{logger: logger}
}

// Plan runs the §4.7 selection algorithm over stats (newest-first,
// writable head already excluded by the loader) and returns the segments
// to remove outright and the segments to consolidate by rewrite. name and
// reg are used to protect any segment that is still a live fork cutoff
// for some child table.
func (p *Planner) Plan(name kv.TabName, stats []segment.StatEntry, reg *registry.ForkRegistry) (removeSet, rewriteSet []string, err error) {
	for _, se := range stats {
		idx, perr := segment.ParseSegmentIndex(se.SegmentPath)
		if perr != nil {
			return nil, nil, perr
		}

		protected, perr := reg.IsSegmentProtected(name, uint64(idx))
		if perr != nil {
			return nil, nil, perr
		}
		if protected {
			continue
		}

		if se.LiveKeys == 0 {
			removeSet = append(removeSet, se.SegmentPath)
			continue
		}

		reuseRatio := float64(se.Entries) / float64(se.LiveKeys)
		if reuseRatio < reuseRatioThreshold {
			break
		}
		rewriteSet = append(rewriteSet, se.SegmentPath)
	}
	return removeSet, rewriteSet, nil
}

// Run plans and executes compaction for store, then clears the stale
// statistics and performs a read-only rescan to rebuild them from
// scratch, per §4.7's "afterward, clear all loader-derived state and
// perform a read-only rescan".
func (p *Planner) Run(name kv.TabName, store *table.KVStore, reg *registry.ForkRegistry) error {
	removeSet, rewriteSet, err := p.Plan(name, store.Statistics(), reg)
	if err != nil {
		return fmt.Errorf("compact: plan %s: %w", name, err)
	}
	if len(removeSet) == 0 && len(rewriteSet) == 0 {
		level.Debug(p.logger).Log("msg", "nothing to compact", "table", name)
		return nil
	}

	log_ := store.Log()
	if err := log_.Collect(removeSet, rewriteSet, 0, 0, true); err != nil {
		return fmt.Errorf("compact: collect %s: %w", name, err)
	}

	rescan := segment.NewPairLoader(log_.HeadSegmentPath())
	if err := log_.Load(rescan, nil); err != nil {
		return fmt.Errorf("compact: rescan %s: %w", name, err)
	}
	store.SetStatistics(rescan.Statistics())

	level.Info(p.logger).Log("msg", "compaction complete", "table", name, "removed", len(removeSet), "rewritten", len(rewriteSet))
	return nil
}
