// Package dcaccount is the per-account context aggregate: one open
// *store.Store, one *blobstore.Store, and the housekeeping worker
// bound to them.
//
// Grounded on the teacher's spilldb/boxmgmt.User — a thin handle that
// bundles a tenant's database/blob state together, generalized from
// "one user's spillbox" to "one deltachat account."
package dcaccount

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"crawshaw.io/sqlite"

	"github.com/deltachat/dc-core-go/blobstore"
	"github.com/deltachat/dc-core-go/dclog"
	"github.com/deltachat/dc-core-go/event"
	"github.com/deltachat/dc-core-go/housekeeping"
	"github.com/deltachat/dc-core-go/store"
)

// Account is one open deltachat account: its ID, its store, its blob
// directory, and its housekeeping worker. It holds no IMAP, SMTP or
// job-queue worker; Start itself runs the housekeeping goroutine.
type Account struct {
	ID   int64
	UUID string
	Dir  string

	Store *store.Store
	Blobs *blobstore.Store

	Events *event.Bus
	Logf   dclog.Logf

	Housekeeping *housekeeping.Housekeeper

	mu      sync.Mutex
	started bool
}

// Open opens (creating if necessary) the SQLite database and blob
// directory for an account rooted at dir, per spec.md 6's
// <uuid>/dc.db + <uuid>/blobs/ layout.
func Open(id int64, uuid, dir string, bus *event.Bus, logf dclog.Logf) (*Account, error) {
	if logf == nil {
		logf = dclog.Discard
	}
	st, err := store.Open(filepath.Join(dir, "dc.db"))
	if err != nil {
		return nil, fmt.Errorf("dcaccount: open store: %v", err)
	}
	bs, err := blobstore.Open(filepath.Join(dir, "blobs"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("dcaccount: open blobstore: %v", err)
	}

	a := &Account{
		ID:     id,
		UUID:   uuid,
		Dir:    dir,
		Store:  st,
		Blobs:  bs,
		Events: bus,
		Logf:   logf,
	}
	a.Housekeeping = housekeeping.New(st, bs)
	a.Housekeeping.Logf = logf
	a.Housekeeping.OnBlobDeleted = func(path string) {
		bus.Emit(event.Event{Kind: event.KindDeletedBlobFile, AccountID: id, Path: path})
	}
	return a, nil
}

// Start launches the account's background workers. It is idempotent.
func (a *Account) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true
	go func() {
		if err := a.Housekeeping.Run(); err != nil {
			a.Events.Emit(event.Event{Kind: event.KindError, AccountID: a.ID, Msg: err.Error(), Err: err})
		}
	}()
}

// Shutdown stops the account's workers and closes its store. It does
// not remove any files on disk (see accounts.Manager.RemoveAccount for
// that).
func (a *Account) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if started {
		a.Housekeeping.Shutdown()
	}
	return a.Store.Close()
}

// GetConfig/SetConfig are the dcaccount-level convenience wrappers
// over store.Store's config key/value table, since nearly every
// caller outside of `store` itself wants to go through a connection
// pool rather than manage a *sqlite.Conn directly.
func (a *Account) GetConfig(ctx context.Context, key string) (val string, ok bool, err error) {
	err = a.Store.WithConn(ctx, func(conn *sqlite.Conn) error {
		var cerr error
		val, ok, cerr = store.GetConfig(conn, key)
		return cerr
	})
	return val, ok, err
}

func (a *Account) SetConfig(ctx context.Context, key, val string) error {
	return a.Store.WithConn(ctx, func(conn *sqlite.Conn) error {
		return store.SetConfig(conn, key, val)
	})
}
