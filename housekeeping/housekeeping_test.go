package housekeeping

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crawshaw.io/sqlite"

	"github.com/deltachat/dc-core-go/blobstore"
	"github.com/deltachat/dc-core-go/store"
)

func newTestHousekeeper(t *testing.T) (*Housekeeper, *store.Store, *blobstore.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bs, err := blobstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}

	hk := New(st, bs)
	return hk, st, bs
}

func TestSweepRemovesUnreferencedBlob(t *testing.T) {
	hk, _, bs := newTestHousekeeper(t)

	relPath, _, err := bs.Create(strings.NewReader("orphan"), ".jpg")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	full := bs.Resolve(relPath)
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(full, old, old); err != nil {
		t.Fatal(err)
	}

	n, err := hk.sweepBlobDir(map[string]bool{})
	if err != nil {
		t.Fatalf("sweepBlobDir: %v", err)
	}
	if n != 1 {
		t.Fatalf("sweepBlobDir deleted %d files, want 1", n)
	}
	if _, err := os.Stat(full); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be removed", full)
	}
}

func TestSweepKeepsReferencedAndFreshBlobs(t *testing.T) {
	hk, _, bs := newTestHousekeeper(t)

	referenced, _, err := bs.Create(strings.NewReader("kept"), ".jpg")
	if err != nil {
		t.Fatal(err)
	}
	fresh, _, err := bs.Create(strings.NewReader("brand new"), ".jpg")
	if err != nil {
		t.Fatal(err)
	}

	refs := map[string]bool{filepath.Base(bs.Resolve(referenced)): true}
	n, err := hk.sweepBlobDir(refs)
	if err != nil {
		t.Fatalf("sweepBlobDir: %v", err)
	}
	if n != 0 {
		t.Fatalf("sweepBlobDir deleted %d files, want 0", n)
	}
	if _, err := os.Stat(bs.Resolve(referenced)); err != nil {
		t.Fatalf("referenced blob was deleted: %v", err)
	}
	if _, err := os.Stat(bs.Resolve(fresh)); err != nil {
		t.Fatalf("fresh blob was deleted: %v", err)
	}
}

func TestExtractBlobRefs(t *testing.T) {
	refs := make(map[string]bool)
	extractBlobRefs(`path=$BLOBDIR/abcd.jpg other="$BLOBDIR/ef01.png"`, refs)
	if !refs["abcd.jpg"] {
		t.Errorf("expected abcd.jpg to be referenced, got %v", refs)
	}
	if !refs["ef01.png"] {
		t.Errorf("expected ef01.png to be referenced, got %v", refs)
	}
}

func TestCleanPrunesTombstonesAndMessages(t *testing.T) {
	hk, st, _ := newTestHousekeeper(t)
	ctx := context.Background()

	var chatID int64
	err := st.WithConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		chatID, err = store.CreateChat(conn, store.ChatTypeGroup, "g", "")
		if err != nil {
			return err
		}
		old := time.Now().Add(-61 * 24 * time.Hour).Unix()
		return store.AddTombstone(conn, chatID, 99, old)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := hk.clean(); err != nil {
		t.Fatalf("clean: %v", err)
	}

	err = st.WithConn(ctx, func(conn *sqlite.Conn) error {
		ts, ok, err := store.TombstoneRemoveTimestamp(conn, chatID, 99)
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("expected tombstone to be pruned, still has timestamp %d", ts)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
