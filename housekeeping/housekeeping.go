// Package housekeeping implements the periodic maintenance pass of
// spec.md 4.12: blob garbage collection and past-member tombstone
// pruning.
//
// Grounded verbatim in structure on the teacher's
// spilldb/db.Janitor: a ticker plus an on-demand channel driving a
// single clean() pass, reporting a structured dclog.Log summary of
// what it did. Generalized here from "clean the spilld DB" to "scan
// blob references across msgs/jobs/chats/contacts/config, then prune
// unreferenced blobs and stale tombstones".
package housekeeping

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"crawshaw.io/sqlite"

	"github.com/deltachat/dc-core-go/blobstore"
	"github.com/deltachat/dc-core-go/dclog"
	"github.com/deltachat/dc-core-go/store"
)

// TombstoneTTL is the 60-day window named throughout spec.md 4.9/4.12.
const TombstoneTTL = 60 * 24 * time.Hour

// MinBlobAge is how long an unreferenced blob must sit before it is
// considered garbage, so files still being built for an in-flight
// message are not deleted out from under it (spec.md 4.2).
const MinBlobAge = time.Hour

type Housekeeper struct {
	Logf dclog.Logf

	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	st       *store.Store
	blobs    *blobstore.Store
	cleanNow chan struct{}

	// OnBlobDeleted, if set, is called for every blob file removed
	// (backs the DeletedBlobFile event, spec.md 6).
	OnBlobDeleted func(path string)
}

func New(st *store.Store, blobs *blobstore.Store) *Housekeeper {
	ctx, cancelFn := context.WithCancel(context.Background())
	return &Housekeeper{
		Logf:     dclog.Discard,
		ctx:      ctx,
		cancelFn: cancelFn,
		done:     make(chan struct{}),
		st:       st,
		blobs:    blobs,
		cleanNow: make(chan struct{}, 1),
	}
}

// CleanNow requests an out-of-band pass, coalescing with any already
// pending request.
func (h *Housekeeper) CleanNow() {
	select {
	case h.cleanNow <- struct{}{}:
	default:
	}
}

func (h *Housekeeper) Shutdown() {
	h.cancelFn()
	<-h.done
}

func (h *Housekeeper) Run() error {
	defer close(h.done)

	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return nil
		case <-t.C:
		case <-h.cleanNow:
		}

		if err := h.clean(); err != nil {
			if err == context.Canceled {
				return nil
			}
			return err
		}
	}
}

func (h *Housekeeper) clean() error {
	start := time.Now()

	var blobsDeleted, tombstonesPruned, msgsPruned int

	err := h.st.WithConn(h.ctx, func(conn *sqlite.Conn) error {
		refs, err := collectBlobReferences(conn)
		if err != nil {
			return err
		}
		n, err := h.sweepBlobDir(refs)
		if err != nil {
			return err
		}
		blobsDeleted = n

		tombstonesPruned, err = store.PruneTombstones(conn, time.Now().Add(-TombstoneTTL).Unix())
		if err != nil {
			return err
		}

		msgsPruned, err = store.PruneTrashedMessages(conn)
		return err
	})

	l := dclog.Log{
		Where:    "housekeeping",
		What:     "clean",
		When:     start,
		Duration: time.Since(start),
		Err:      err,
		Data: map[string]interface{}{
			"blobs_deleted":     blobsDeleted,
			"tombstones_pruned": tombstonesPruned,
			"msgs_pruned":       msgsPruned,
		},
	}
	h.Logf("%s", l)
	return err
}

// collectBlobReferences scans every table that may embed a $BLOBDIR/
// path (msgs, jobs, chats, contacts, config) and returns the set of
// referenced blob basenames, per spec.md 4.2/4.12.
func collectBlobReferences(conn *sqlite.Conn) (map[string]bool, error) {
	refs := make(map[string]bool)
	queries := []struct{ sql, col string }{
		{"SELECT Param FROM Msgs WHERE Param <> '';", "Param"},
		{"SELECT Param FROM Jobs WHERE Param <> '';", "Param"},
		{"SELECT Param FROM Chats WHERE Param <> '';", "Param"},
		{"SELECT Param FROM Contacts WHERE Param <> '';", "Param"},
		{"SELECT Value FROM Config WHERE Value LIKE '%" + blobstore.Prefix + "%';", "Value"},
	}
	for _, q := range queries {
		stmt := conn.Prep(q.sql)
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return nil, err
			}
			if !hasRow {
				break
			}
			extractBlobRefs(stmt.GetText(q.col), refs)
		}
	}
	return refs, nil
}

// extractBlobRefs finds every occurrence of blobstore.Prefix in text
// and records the path component that follows, up to the next
// whitespace, quote, or comma (params are small ad-hoc "key=value"
// blobs, not a structured format the core needs to fully parse here).
func extractBlobRefs(text string, refs map[string]bool) {
	for {
		i := indexOf(text, blobstore.Prefix)
		if i == -1 {
			return
		}
		rest := text[i+len(blobstore.Prefix):]
		end := len(rest)
		for j, r := range rest {
			if r == ' ' || r == '"' || r == ',' || r == '\n' || r == '\t' {
				end = j
				break
			}
		}
		name := rest[:end]
		if name != "" {
			refs[filepath.Base(name)] = true
			refs[blobstore.BaseOf(filepath.Base(name))] = true
		}
		text = rest[end:]
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// sweepBlobDir deletes every file in the blob directory that is
// neither referenced nor newer than MinBlobAge. A companion file
// (.increation/.waveform/-preview.jpg) is kept while its base name is
// referenced and otherwise faces the same age cutoff; whether the base
// file itself still exists is not checked.
func (h *Housekeeper) sweepBlobDir(refs map[string]bool) (int, error) {
	entries, err := os.ReadDir(h.blobs.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	deleted := 0
	cutoff := time.Now().Add(-MinBlobAge)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		base := blobstore.BaseOf(name)
		if refs[name] || refs[base] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(h.blobs.Dir(), name)
		if err := os.Remove(path); err != nil {
			continue
		}
		deleted++
		if h.OnBlobDeleted != nil {
			h.OnBlobDeleted(path)
		}
	}
	return deleted, nil
}
