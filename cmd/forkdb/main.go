// Command forkdb is a thin illustrative caller of the core API: it opens a
// database, creates a table, runs one transaction, and forks it. It is not a
// protocol server and must not grow wire/CLI surface.
package main

import (
	"context"
	"log"
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"forkdb/forkdb"
	"forkdb/kv"
)

func main() {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, level.AllowInfo())
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)

	db, err := forkdb.New("./db", 64, forkdb.WithLogger(logger))
	if err != nil {
		log.Fatalf("forkdb: open failed: %v", err)
	}

	snap := db.Snapshot()

	const tableName = kv.TabName("widgets")
	if _, err := snap.TabInfo(tableName); err != nil {
		if err := snap.Alter(tableName, []byte(`{"fields":["id","name"]}`)); err != nil {
			log.Fatalf("forkdb: create table failed: %v", err)
		}
	}

	t, err := snap.Begin(tableName, "", true)
	if err != nil {
		log.Fatalf("forkdb: begin failed: %v", err)
	}
	if err := t.Upsert(kv.Key("widget-1"), []byte(`{"name":"sprocket"}`)); err != nil {
		log.Fatalf("forkdb: upsert failed: %v", err)
	}
	if err := snap.Prepare(context.Background(), t); err != nil {
		log.Fatalf("forkdb: prepare failed: %v", err)
	}
	if err := snap.Commit(t); err != nil {
		log.Fatalf("forkdb: commit failed: %v", err)
	}

	if err := snap.Fork(tableName, kv.TabName("widgets-experiment"), []byte(`{"fields":["id","name"]}`)); err != nil {
		log.Fatalf("forkdb: fork failed: %v", err)
	}

	if err := db.Collect(); err != nil {
		log.Fatalf("forkdb: collect failed: %v", err)
	}
}
