// Package imapworker implements the per-folder IMAP worker state
// machine of spec.md 4.5: one Worker per watched folder role (inbox,
// move-box, sent), persisting (UIDVALIDITY, last_seen_uid) across
// restarts, fetching new mail in a header-precheck-then-body two pass
// scheme, and idling (or polling, if IDLE is unavailable) between
// passes.
//
// Grounded on the combined idiom of spilldb/deliverer.Deliverer and
// spilldb/processor.Processor: a {ctx, cancelFn, done, interrupt}
// struct with a Run() loop that alternates a DB-scan/network pass with
// a wait step, generalized here from "drain a local queue" to "drain
// a remote mailbox," with the imapclient.Conn connection lifecycle
// folded in as the thing being waited on instead of a ticker.
package imapworker

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"crawshaw.io/sqlite"

	"github.com/deltachat/dc-core-go/dclog"
	"github.com/deltachat/dc-core-go/dcerr"
	"github.com/deltachat/dc-core-go/event"
	"github.com/deltachat/dc-core-go/imapclient"
	"github.com/deltachat/dc-core-go/store"
)

// Role identifies which of the three watched folders a Worker serves.
type Role int

const (
	RoleInbox Role = iota
	RoleMoveBox
	RoleSent
)

func (r Role) String() string {
	switch r {
	case RoleInbox:
		return "inbox"
	case RoleMoveBox:
		return "movebox"
	case RoleSent:
		return "sent"
	default:
		return "unknown"
	}
}

// Thread reports the jobqueue thread this role executes job actions
// on. Only RoleInbox ever receives job actions — spec.md 4.7's action
// table assigns every non-SMTP action to ImapInbox regardless of which
// folder the message actually lives in; the inbox worker reselects
// whatever folder a job names.
func (r Role) Thread() store.Thread {
	return store.ThreadImapInbox
}

// firstFetchPollInterval and steadyPollInterval implement spec.md
// 4.5's polling fallback schedule when IDLE is unavailable: 5 seconds
// for the first 3 minutes after connect, 60 seconds after.
const (
	firstFetchPollInterval = 5 * time.Second
	steadyPollInterval     = 60 * time.Second
	fastPollWindow         = 3 * time.Minute
	idleCap                = 23 * time.Minute
	fetchBatchSize         = 50
)

// Dispatcher hands off an accepted message to the ingestion pipeline.
// Defined here (rather than imported from ingest) so imapworker has
// no dependency on ingest; ingest.Pipeline implements this interface.
type Dispatcher interface {
	// Precheck reports whether rfc724Mid is already known in any
	// folder, letting the worker skip the body fetch (spec.md 4.5).
	Precheck(ctx context.Context, rfc724Mid string) (bool, error)
	// Accept processes one fetched message.
	Accept(ctx context.Context, folder string, uid uint32, flags []string, raw []byte) error
}

// Dialer opens a fresh authenticated, folder-selected IMAP connection.
// Supplied by account setup code, which closes over the account's
// configured host/port/credentials.
type Dialer func(ctx context.Context) (*imapclient.Conn, error)

// Worker runs one folder's fetch-new-mail/idle state machine.
type Worker struct {
	Role       Role
	Folder     string
	AccountID  int64
	st         *store.Store
	dial       Dialer
	dispatch   Dispatcher
	bus        *event.Bus
	Logf       dclog.Logf

	ctx      context.Context
	cancelFn context.CancelFunc
	done     chan struct{}

	interrupt chan struct{}

	connMu      sync.Mutex
	conn        *imapclient.Conn
	state       imapclient.State
	connectedAt time.Time
}

func New(st *store.Store, role Role, folder string, accountID int64, dial Dialer, dispatch Dispatcher, bus *event.Bus) *Worker {
	ctx, cancelFn := context.WithCancel(context.Background())
	return &Worker{
		Role:      role,
		Folder:    folder,
		AccountID: accountID,
		st:        st,
		dial:      dial,
		dispatch:  dispatch,
		bus:       bus,
		Logf:      dclog.Discard,
		ctx:       ctx,
		cancelFn:  cancelFn,
		done:      make(chan struct{}),
		interrupt: make(chan struct{}, 1),
		state:     imapclient.StateDisconnected,
	}
}

// Interrupt wakes a blocked IDLE or poll-sleep immediately.
func (w *Worker) Interrupt() {
	select {
	case w.interrupt <- struct{}{}:
	default:
	}
}

// Shutdown cancels the worker loop and waits for it to exit.
func (w *Worker) Shutdown() {
	w.cancelFn()
	<-w.done
}

// Run drives the connect/select/fetch/idle cycle until Shutdown.
func (w *Worker) Run() {
	defer close(w.done)

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}
		w.runOneIteration()
	}
}

// runOneIteration holds connMu for exactly one pass (connect if
// needed, fetch new mail, then idle-or-sleep), releasing it between
// iterations so job-handler methods (SetSeen, Move, ...) can acquire
// the connection promptly after signaling Interrupt.
func (w *Worker) runOneIteration() {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn == nil {
		if err := w.connect(); err != nil {
			w.Logf("imapworker[%s]: connect failed: %v", w.Role, err)
			w.sleep(steadyPollInterval)
			return
		}
	}

	if err := w.fetchNew(); err != nil {
		w.Logf("imapworker[%s]: fetch failed: %v", w.Role, err)
		w.disconnect()
		return
	}

	w.waitForMore()
}

func (w *Worker) connect() error {
	w.state = imapclient.StateConnecting
	conn, err := w.dial(w.ctx)
	if err != nil {
		return &dcerr.NetworkError{Op: "imap dial", Err: err}
	}
	w.conn = conn
	w.connectedAt = time.Now()
	w.state = imapclient.StateSelected
	if w.bus != nil {
		w.bus.Emit(event.Event{Kind: event.KindConnectivity, AccountID: w.AccountID, Level: event.ConnectivityConnected})
	}
	return nil
}

func (w *Worker) disconnect() {
	if w.conn != nil {
		w.conn.Close()
	}
	w.conn = nil
	w.state = imapclient.StateDisconnected
	if w.bus != nil {
		w.bus.Emit(event.Event{Kind: event.KindConnectivity, AccountID: w.AccountID, Level: event.ConnectivityNotConnected})
	}
}

// fetchNew implements spec.md 4.5's UID-tracking and two-pass fetch.
func (w *Worker) fetchNew() error {
	info, err := w.conn.Select(w.ctx, w.Folder)
	if err != nil {
		return err
	}
	w.state = imapclient.StateFetching
	defer func() { w.state = imapclient.StateSelected }()

	validityKey, lastUIDKey := w.configKeys()

	var storedValidity uint64
	var lastSeenUID uint64
	err = w.st.WithConn(w.ctx, func(conn *sqlite.Conn) error {
		v, err := store.GetConfigInt(conn, validityKey, 0)
		if err != nil {
			return err
		}
		u, err := store.GetConfigInt(conn, lastUIDKey, 0)
		if err != nil {
			return err
		}
		storedValidity = uint64(v)
		lastSeenUID = uint64(u)
		return nil
	})
	if err != nil {
		return err
	}

	if storedValidity == 0 || uint64(info.UIDValidity) != storedValidity {
		// Re-initialize: never replay an entire mailbox after a
		// renumbering. Record UIDNEXT minus one as the last seen UID and
		// skip fetching current contents, so every message already in
		// the mailbox, the newest included, is skipped.
		newLastSeen := uint64(0)
		if info.Exists > 0 && info.UIDNext > 1 {
			newLastSeen = uint64(info.UIDNext) - 1
		}
		return w.st.WithConn(w.ctx, func(conn *sqlite.Conn) error {
			if err := store.SetConfigInt(conn, validityKey, int64(info.UIDValidity)); err != nil {
				return err
			}
			return store.SetConfigInt(conn, lastUIDKey, int64(newLastSeen))
		})
	}

	uidRange := fmt.Sprintf("%d:*", lastSeenUID+1)
	msgs, err := w.conn.FetchEnvelopes(w.ctx, uidRange)
	if err != nil {
		return err
	}

	maxHandled := lastSeenUID
	for _, m := range msgs {
		if uint64(m.UID) <= lastSeenUID {
			continue
		}
		if err := w.handleOne(m); err != nil {
			w.Logf("imapworker[%s]: uid %d: %v", w.Role, m.UID, err)
			break
		}
		if uint64(m.UID) > maxHandled {
			maxHandled = uint64(m.UID)
		}
	}

	if maxHandled > lastSeenUID {
		return w.st.WithConn(w.ctx, func(conn *sqlite.Conn) error {
			return store.SetConfigInt(conn, lastUIDKey, int64(maxHandled))
		})
	}
	return nil
}

func (w *Worker) handleOne(m imapclient.FetchedMsg) error {
	mid := extractMessageID(m.Raw)
	if mid == "" {
		return nil
	}
	have, err := w.dispatch.Precheck(w.ctx, mid)
	if err != nil {
		return err
	}
	if have {
		return nil
	}

	body, err := w.conn.FetchBody(w.ctx, m.UID)
	if err != nil {
		return err
	}
	return w.dispatch.Accept(w.ctx, w.Folder, m.UID, body.Flags, body.Raw)
}

func (w *Worker) configKeys() (validityKey, lastUIDKey string) {
	return "imap." + w.Role.String() + ".uidvalidity",
		"imap." + w.Role.String() + ".lastuid"
}

// waitForMore enters IDLE (capped at 23 minutes) if the server
// supports it, otherwise polls on the fast/steady schedule.
func (w *Worker) waitForMore() {
	if w.conn.Capabilities["IDLE"] {
		ctx, cancel := context.WithTimeout(w.ctx, idleCap)
		defer cancel()
		if err := w.conn.Idle(ctx, w.interrupt); err != nil {
			w.Logf("imapworker[%s]: idle error: %v", w.Role, err)
			w.disconnect()
		}
		return
	}

	interval := steadyPollInterval
	if time.Since(w.connectedAt) < fastPollWindow {
		interval = firstFetchPollInterval
	}
	w.sleep(interval)
	if w.conn != nil {
		w.conn.Noop(w.ctx)
	}
}

func (w *Worker) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
	case <-w.interrupt:
	case <-timer.C:
	}
}

// extractMessageID pulls the Message-Id header's value out of a raw
// header block without a full RFC 5322 parse — just enough for the
// dedup precheck of spec.md 4.5. The full parse (and all other
// headers) happens downstream in ingest via third_party/imf once a
// message is accepted.
func extractMessageID(raw []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var cur strings.Builder
	flush := func() string {
		s := strings.TrimSpace(cur.String())
		cur.Reset()
		return s
	}
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			cur.WriteByte(' ')
			cur.WriteString(strings.TrimSpace(line))
			continue
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(cur.String())), "message-id:") {
			return headerValue(flush())
		}
		cur.Reset()
		cur.WriteString(line)
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(cur.String())), "message-id:") {
		return headerValue(flush())
	}
	return ""
}

func headerValue(header string) string {
	i := strings.IndexByte(header, ':')
	if i == -1 {
		return ""
	}
	return strings.TrimSpace(header[i+1:])
}

// --- operations exposed to the job scheduler (spec.md 4.5) ---

// SetSeen adds \Seen to uid in folder.
func (w *Worker) SetSeen(ctx context.Context, folder string, uid uint32) (dcerr.Outcome, error) {
	return w.withConn(ctx, folder, func() (dcerr.Outcome, error) {
		return w.conn.SetSeen(ctx, uid)
	})
}

// SetMDNSent adds $MDNSent to uid in folder if the server admits it.
func (w *Worker) SetMDNSent(ctx context.Context, folder string, uid uint32) (dcerr.Outcome, error) {
	var permFlags []string
	return w.withConn(ctx, folder, func() (dcerr.Outcome, error) {
		info, err := w.conn.Select(ctx, folder)
		if err != nil {
			return dcerr.Classify(err), err
		}
		permFlags = info.PermFlags
		return w.conn.SetMDNSent(ctx, uid, permFlags)
	})
}

// Move moves uid from folder to destFolder.
func (w *Worker) Move(ctx context.Context, folder string, uid uint32, destFolder string) (dcerr.Outcome, error) {
	return w.withConn(ctx, folder, func() (dcerr.Outcome, error) {
		return w.conn.Move(ctx, uid, destFolder)
	})
}

// DeleteMsg verifies and marks uid \Deleted in folder.
func (w *Worker) DeleteMsg(ctx context.Context, rfc724Mid, folder string, uid uint32) (dcerr.Outcome, error) {
	return w.withConn(ctx, folder, func() (dcerr.Outcome, error) {
		return w.conn.DeleteMsg(ctx, uid, rfc724Mid)
	})
}

// withConn interrupts any in-flight IDLE/poll-sleep, acquires the
// connection, reselects folder if needed, and runs fn.
func (w *Worker) withConn(ctx context.Context, folder string, fn func() (dcerr.Outcome, error)) (dcerr.Outcome, error) {
	w.Interrupt()
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn == nil {
		if err := w.connect(); err != nil {
			return dcerr.RetryLater, err
		}
	}
	if _, err := w.conn.Select(ctx, folder); err != nil {
		return dcerr.Classify(err), err
	}
	outcome, err := fn()
	if err != nil {
		return dcerr.Classify(err), err
	}
	return outcome, nil
}

// DialTLSOrStartTLS is a convenience Dialer builder for the common
// case: implicit TLS on 993, STARTTLS otherwise, then LOGIN.
func DialTLSOrStartTLS(addr string, implicitTLS bool, tlsConfig *tls.Config, user, pass string) Dialer {
	return func(ctx context.Context) (*imapclient.Conn, error) {
		conn, err := imapclient.Dial(ctx, addr, implicitTLS, tlsConfig)
		if err != nil {
			return nil, err
		}
		if !implicitTLS {
			if err := conn.StartTLS(tlsConfig); err != nil {
				conn.Close()
				return nil, err
			}
		}
		if err := conn.Login(ctx, user, pass); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}
