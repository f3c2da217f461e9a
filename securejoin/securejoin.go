// Package securejoin implements the Bob (joiner) and Alice (inviter)
// halves of spec.md 4.11's SecureJoin protocol: scanning a QR code
// carrying a contact's fingerprint and a pair of one-time tokens,
// exchanging a short handshake over the existing 1:1 mail channel, and
// ending with both sides' PeerState marked Verified.
//
// Grounded on original_source/src/securejoin/bob.rs for Bob's state
// machine and progress percentages (no alice.rs survived in
// original_source; Alice's half and the wire header names are this
// package's own design, recorded in DESIGN.md). The state machine
// itself is modeled on meszmate-imap-go/state.Machine's mutex-guarded
// transition table, and the single-in-flight-handshake bookkeeping is
// modeled on spilldb/boxmgmt.BoxMgmt's mutex-guarded map, narrowed to
// exactly one entry since a device only ever joins one invite at a
// time.
package securejoin

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"crawshaw.io/sqlite"

	"github.com/deltachat/dc-core-go/dcid"
	"github.com/deltachat/dc-core-go/dclog"
	"github.com/deltachat/dc-core-go/event"
	"github.com/deltachat/dc-core-go/ingest"
	"github.com/deltachat/dc-core-go/outgoing"
	"github.com/deltachat/dc-core-go/stock"
	"github.com/deltachat/dc-core-go/store"
)

// Wire step names carried by the Secure-Join header. "vc-" steps are
// the setup-contact (1:1) variant; "vg-" steps are secure-join-into-a-
// group.
const (
	stepVcRequest          = "vc-request"
	stepVcAuthRequired     = "vc-auth-required"
	stepVcRequestWithAuth  = "vc-request-with-auth"
	stepVgRequest          = "vg-request"
	stepVgAuthRequired     = "vg-auth-required"
	stepVgRequestWithAuth  = "vg-request-with-auth"
	stepVgMemberAdded      = "vg-member-added"
)

// Progress permille values, per original_source's bob.rs JoinerProgress
// enum (Error=0, RequestWithAuthSent=400, Succeeded=1000) reconciled
// with spec.md Scenario 5's event traces (see DESIGN.md):
//   - Joiner: 300 after the initial request is sent, 400 once the
//     request-with-auth reply is sent, 1000 only for a group join,
//     once vg-member-added arrives (a setup-contact join has no
//     further confirmation message and stops at 400, matching
//     Scenario 5 exactly).
//   - Inviter: 300 after replying auth-required, 600 once the
//     request-with-auth is verified, 1000 once the join is complete.
const (
	progressError               = 0
	progressRequestSent         = 300
	progressRequestWithAuthSent = 400
	progressAuthRequiredSent    = 300
	progressVerified            = 600
	progressSucceeded           = 1000
)

// Invite is a parsed OPENPGP4FPR QR payload.
type Invite struct {
	Fingerprint  string
	Addr         string
	Invitenumber string
	Auth         string
	GroupID      string // empty for a setup-contact invite
	GroupName    string
}

// IsGroup reports whether inv invites into an existing group rather
// than proposing a plain 1:1 contact verification.
func (inv *Invite) IsGroup() bool { return inv.GroupID != "" }

// ParseQR parses "OPENPGP4FPR:<fp>#i=<invitenumber>&s=<auth>&a=<addr>
// [&x=<grpid>&g=<name>]" (spec.md 4.11). The "a=" parameter carrying
// Alice's address is this implementation's own addition to the
// grammar (see DESIGN.md): spec.md names i=/s=/x=/g= "at minimum", and
// Alice's address has to travel somehow.
func ParseQR(raw string) (*Invite, error) {
	const prefix = "OPENPGP4FPR:"
	if !strings.HasPrefix(strings.ToUpper(raw), prefix) {
		return nil, fmt.Errorf("securejoin: not an OPENPGP4FPR code")
	}
	rest := raw[len(prefix):]
	fp, query, ok := strings.Cut(rest, "#")
	if !ok {
		return nil, fmt.Errorf("securejoin: QR code has no query part")
	}
	q, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("securejoin: QR query: %v", err)
	}
	inv := &Invite{
		Fingerprint:  strings.ToUpper(strings.TrimSpace(fp)),
		Addr:         q.Get("a"),
		Invitenumber: q.Get("i"),
		Auth:         q.Get("s"),
		GroupID:      q.Get("x"),
		GroupName:    q.Get("g"),
	}
	if inv.Fingerprint == "" || inv.Invitenumber == "" || inv.Auth == "" {
		return nil, fmt.Errorf("securejoin: QR code missing fingerprint, invitenumber, or auth")
	}
	return inv, nil
}

// EncodeQR renders inv back to the wire format ParseQR reads, used by
// Controller.NewInvite to hand Alice's app layer a code to display.
func EncodeQR(inv *Invite) string {
	q := url.Values{}
	q.Set("i", inv.Invitenumber)
	q.Set("s", inv.Auth)
	if inv.Addr != "" {
		q.Set("a", inv.Addr)
	}
	if inv.GroupID != "" {
		q.Set("x", inv.GroupID)
		q.Set("g", inv.GroupName)
	}
	return "OPENPGP4FPR:" + inv.Fingerprint + "#" + q.Encode()
}

// bobStatus is Bob's side of the handshake, per bob.rs's BobState.
type bobStatus int

const (
	bobRequestSent bobStatus = iota
	bobRequestWithAuthSent
	bobCompleted
	bobTerminated
)

func (s bobStatus) String() string {
	switch s {
	case bobRequestSent:
		return "RequestSent"
	case bobRequestWithAuthSent:
		return "RequestWithAuthSent"
	case bobCompleted:
		return "Completed"
	case bobTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// bobTransitions is the transition table for bobStatus, in the shape
// of meszmate-imap-go/state.Machine's transitions map: every status
// but the two terminal ones can additionally move to Terminated, since
// scanning a fresh QR code aborts whatever handshake is in flight.
var bobTransitions = map[bobStatus][]bobStatus{
	bobRequestSent:         {bobRequestWithAuthSent, bobTerminated},
	bobRequestWithAuthSent: {bobCompleted, bobTerminated},
	bobCompleted:           nil,
	bobTerminated:          nil,
}

// bobState is the single in-flight joiner handshake a device can have
// open at once, guarded by Controller.mu the way boxmgmt.BoxMgmt
// guards its users map.
type bobState struct {
	invite  *Invite
	chatID  int64 // the 1:1 carrier chat with Alice (the joining chat, for a setup-contact invite, or the pre-membership scaffold, for a group invite)
	status  bobStatus
}

func (b *bobState) transition(to bobStatus) error {
	for _, allowed := range bobTransitions[b.status] {
		if allowed == to {
			b.status = to
			return nil
		}
	}
	return fmt.Errorf("securejoin: invalid Bob transition %s -> %s", b.status, to)
}

// Controller runs one account's SecureJoin protocol on top of its
// ingest/outgoing pipelines. A single Controller is shared by both
// roles: an account can simultaneously be Alice for invites it
// generated and Bob for at most one in-flight scan.
type Controller struct {
	st        *store.Store
	out       *outgoing.Pipeline
	bus       *event.Bus
	accountID int64
	selfAddr  func() string
	logf      dclog.Logf

	mu  sync.Mutex
	bob *bobState
}

func New(st *store.Store, out *outgoing.Pipeline, bus *event.Bus, accountID int64, selfAddr func() string, logf dclog.Logf) *Controller {
	if logf == nil {
		logf = dclog.Discard
	}
	return &Controller{st: st, out: out, bus: bus, accountID: accountID, selfAddr: selfAddr, logf: logf}
}

// NewInvite mints a fresh invitenumber/auth token pair and returns a
// QR payload for them (the Alice side of spec.md 4.11). groupChatID is
// 0 for a setup-contact invite, or an existing group chat's ID to
// invite into that group; the tokens' ForeignID is set to exactly that
// value, so later validating a token recovers which kind of invite it
// was without trusting anything the joiner's wire headers claim (see
// DESIGN.md).
func (c *Controller) NewInvite(ctx context.Context, groupChatID int64) (string, error) {
	var qr string
	err := c.st.WithTx(ctx, func(conn *sqlite.Conn) error {
		selfAddr := c.selfAddr()
		kp, err := store.DefaultKeypair(conn, selfAddr)
		if err != nil {
			return err
		}
		if kp == nil {
			return fmt.Errorf("securejoin: no keypair for %s yet", selfAddr)
		}
		fp, err := ingest.KeyFingerprint(kp.PublicKey)
		if err != nil {
			return err
		}

		invitenumber, err := store.NewToken(conn, store.TokenNamespaceInvitenumber, groupChatID)
		if err != nil {
			return err
		}
		auth, err := store.NewToken(conn, store.TokenNamespaceAuth, groupChatID)
		if err != nil {
			return err
		}

		inv := &Invite{Fingerprint: fp, Addr: selfAddr, Invitenumber: invitenumber, Auth: auth}
		if groupChatID != 0 {
			chat, err := store.GetChat(conn, groupChatID)
			if err != nil {
				return err
			}
			if chat == nil {
				return fmt.Errorf("securejoin: no such group chat %d", groupChatID)
			}
			inv.GroupID = chat.GrpID
			inv.GroupName = chat.Name
		}
		qr = EncodeQR(inv)
		return nil
	})
	return qr, err
}

// StartJoin is Bob scanning a QR code (spec.md 4.11, bob.rs's
// start_protocol): it creates the carrier chat, aborts any handshake
// already in flight, and sends the initial {vc,vg}-request.
func (c *Controller) StartJoin(ctx context.Context, qr string) (chatID int64, err error) {
	inv, err := ParseQR(qr)
	if err != nil {
		return 0, err
	}
	if inv.Addr == "" {
		return 0, fmt.Errorf("securejoin: QR code has no address")
	}

	c.mu.Lock()
	old := c.bob
	c.bob = nil
	c.mu.Unlock()

	err = c.st.WithTx(ctx, func(conn *sqlite.Conn) error {
		if old != nil && old.status != bobCompleted && old.status != bobTerminated {
			if err := c.abortBob(conn, old, "New QR code scanned"); err != nil {
				return err
			}
		}

		contactID, _, err := store.LookupOrCreateContact(conn, inv.Addr, "", store.OriginIncomingUnknown)
		if err != nil {
			return err
		}
		carrierChatID, err := store.FindOrCreateSingleChat(conn, contactID)
		if err != nil {
			return err
		}
		if inv.IsGroup() {
			// Hidden until the join completes: bob.rs's Blocked::Yes,
			// since the user only cares about the target group, not
			// this scaffold 1:1.
			if err := store.SetChatBlocked(conn, carrierChatID, true); err != nil {
				return err
			}
			if _, err := c.insertInfoMsg(conn, carrierChatID, stock.StrRepl2(stock.SecureJoinStarted, inv.Addr, inv.GroupName)); err != nil {
				return err
			}
		} else {
			if _, err := c.insertInfoMsg(conn, carrierChatID, stock.StrRepl1(stock.SecureJoinWait, inv.Addr)); err != nil {
				return err
			}
		}

		step := stepVcRequest
		if inv.IsGroup() {
			step = stepVgRequest
		}
		_, err = c.out.SendMsgOnConn(conn, carrierChatID, "", outgoing.SendOptions{
			Hidden: true,
			ExtraHeaders: map[string]string{
				"Secure-Join":              step,
				"Secure-Join-Invitenumber": inv.Invitenumber,
			},
		})
		if err != nil {
			return err
		}

		chatID = carrierChatID
		c.mu.Lock()
		c.bob = &bobState{invite: inv, chatID: carrierChatID, status: bobRequestSent}
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.emitJoiner(progressRequestSent, 0)
	return chatID, nil
}

// HandleIncoming is wired up as ingest.Ingester.Securejoin: it
// dispatches one incoming Secure-Join-tagged message to the Alice or
// Bob handler the step name names. It runs inside ingest.Accept's
// transaction on conn, so every store write here goes through conn
// directly and any reply is sent via outgoing.SendMsgOnConn rather
// than Pipeline.SendMsg, to avoid checking out a second connection
// from the store's pool while this one's transaction is still open
// (see DESIGN.md).
func (c *Controller) HandleIncoming(conn *sqlite.Conn, fromAddr string, chatID, msgID int64, hdrs *ingest.SecurejoinHeaders) error {
	switch hdrs.Step {
	case stepVcRequest, stepVgRequest:
		return c.aliceHandleRequest(conn, fromAddr, chatID, hdrs)
	case stepVcAuthRequired, stepVgAuthRequired:
		return c.bobHandleAuthRequired(conn, fromAddr, chatID, hdrs)
	case stepVcRequestWithAuth, stepVgRequestWithAuth:
		return c.aliceHandleRequestWithAuth(conn, fromAddr, chatID, hdrs)
	case stepVgMemberAdded:
		return c.bobHandleMemberAdded(conn, fromAddr, chatID)
	default:
		return fmt.Errorf("securejoin: unknown Secure-Join step %q", hdrs.Step)
	}
}

// aliceHandleRequest replies to Bob's {vc,vg}-request with
// {vc,vg}-auth-required, once the invitenumber Bob quoted validates
// against a token Alice actually minted.
func (c *Controller) aliceHandleRequest(conn *sqlite.Conn, fromAddr string, chatID int64, hdrs *ingest.SecurejoinHeaders) error {
	foreignID, ok, err := store.ValidToken(conn, store.TokenNamespaceInvitenumber, hdrs.Invitenumber)
	if err != nil {
		return err
	}
	if !ok {
		return nil // not a request this device issued; ignore silently
	}
	isGroup := hdrs.Step == stepVgRequest
	if isGroup != (foreignID != 0) {
		return fmt.Errorf("securejoin: invitenumber/step mismatch for %s", fromAddr)
	}

	kp, err := store.DefaultKeypair(conn, c.selfAddr())
	if err != nil {
		return err
	}
	var ownFp string
	if kp != nil {
		ownFp, _ = ingest.KeyFingerprint(kp.PublicKey)
	}

	step := stepVcAuthRequired
	if isGroup {
		step = stepVgAuthRequired
	}
	_, err = c.out.SendMsgOnConn(conn, chatID, "", outgoing.SendOptions{
		Hidden: true,
		ExtraHeaders: map[string]string{
			"Secure-Join":             step,
			"Secure-Join-Fingerprint": ownFp,
		},
	})
	if err != nil {
		return err
	}
	c.emitInviter(progressAuthRequiredSent, 0)
	return nil
}

// aliceHandleRequestWithAuth verifies Bob's auth token and his
// Autocrypt-supplied key (ingested earlier in the same transaction by
// ingest.Accept's step 7), marks him Verified, and — for a group
// invite — adds him to the target group and announces it with
// vg-member-added so the rest of the group and Bob converge through
// the ordinary chatmodel.Apply path.
func (c *Controller) aliceHandleRequestWithAuth(conn *sqlite.Conn, fromAddr string, chatID int64, hdrs *ingest.SecurejoinHeaders) error {
	foreignID, ok, err := store.ValidToken(conn, store.TokenNamespaceAuth, hdrs.Auth)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	isGroup := hdrs.Step == stepVgRequestWithAuth
	if isGroup != (foreignID != 0) {
		return fmt.Errorf("securejoin: auth/step mismatch for %s", fromAddr)
	}

	ps, err := store.GetPeerState(conn, fromAddr)
	if err != nil {
		return err
	}
	if ps == nil || len(ps.PublicKey) == 0 {
		return fmt.Errorf("securejoin: no Autocrypt key seen yet for %s", fromAddr)
	}
	ps.VerifiedKey = ps.PublicKey
	ps.VerifiedKeyFingerprint = ps.PublicKeyFingerprint
	ps.PreferEncrypted = store.PreferEncryptedMutual
	if err := store.SavePeerState(conn, ps); err != nil {
		return err
	}
	if err := store.SetChatProtected(conn, chatID, store.ProtectionProtected); err != nil {
		return err
	}
	if _, err := c.insertInfoMsg(conn, chatID, stock.StrRepl1(stock.ContactVerified, fromAddr)); err != nil {
		return err
	}
	c.emitInviter(progressVerified, 0)

	if !isGroup {
		c.emitInviter(progressSucceeded, 0)
		return nil
	}

	groupChatID := foreignID
	bobContactID, _, err := store.LookupOrCreateContact(conn, fromAddr, "", store.OriginVerified)
	if err != nil {
		return err
	}
	isMember, _, err := store.IsChatMember(conn, groupChatID, bobContactID)
	if err != nil {
		return err
	}
	if !isMember {
		if err := store.AddChatContact(conn, groupChatID, bobContactID, time.Now().Unix()); err != nil {
			return err
		}
	}
	_, err = c.out.SendMsgOnConn(conn, groupChatID, stock.StrRepl1(stock.MsgAddMember, fromAddr), outgoing.SendOptions{
		AddedAddr: fromAddr,
		ExtraHeaders: map[string]string{
			"Secure-Join": stepVgMemberAdded,
		},
	})
	if err != nil {
		return err
	}
	c.emitInviter(progressSucceeded, 0)
	return nil
}

// bobHandleAuthRequired is bob.rs's handle_auth_required: Bob replies
// with {vc,vg}-request-with-auth carrying the auth token from the QR
// he scanned, marks Alice's Autocrypt key verified once its fingerprint
// matches the QR, and marks the carrier chat protected
// (set_peer_verified); no protection timestamp is recorded.
func (c *Controller) bobHandleAuthRequired(conn *sqlite.Conn, fromAddr string, chatID int64, hdrs *ingest.SecurejoinHeaders) error {
	c.mu.Lock()
	b := c.bob
	c.mu.Unlock()
	if b == nil || b.status == bobTerminated || b.status == bobCompleted {
		return nil // no active handshake; ignore (bob.rs: Ignore)
	}
	if store.CanonicalAddr(b.invite.Addr) != store.CanonicalAddr(fromAddr) {
		return nil
	}

	ps, err := store.GetPeerState(conn, fromAddr)
	if err != nil {
		return err
	}
	if ps == nil || len(ps.PublicKey) == 0 || ps.PublicKeyFingerprint != b.invite.Fingerprint {
		return fmt.Errorf("securejoin: %s's key does not match the scanned fingerprint", fromAddr)
	}
	ps.VerifiedKey = ps.PublicKey
	ps.VerifiedKeyFingerprint = ps.PublicKeyFingerprint
	if err := store.SavePeerState(conn, ps); err != nil {
		return err
	}

	if b.invite.IsGroup() {
		if _, err := c.insertInfoMsg(conn, chatID, stock.StrRepl1(stock.SecureJoinReplies, fromAddr)); err != nil {
			return err
		}
	}
	if err := store.SetChatProtected(conn, chatID, store.ProtectionProtected); err != nil {
		return err
	}

	kp, err := store.DefaultKeypair(conn, c.selfAddr())
	if err != nil {
		return err
	}
	var ownFp string
	if kp != nil {
		ownFp, _ = ingest.KeyFingerprint(kp.PublicKey)
	}

	step := stepVcRequestWithAuth
	if b.invite.IsGroup() {
		step = stepVgRequestWithAuth
	}
	_, err = c.out.SendMsgOnConn(conn, chatID, "", outgoing.SendOptions{
		Hidden: true,
		ExtraHeaders: map[string]string{
			"Secure-Join":             step,
			"Secure-Join-Auth":        b.invite.Auth,
			"Secure-Join-Fingerprint": ownFp,
		},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.bob == b {
		if terr := b.transition(bobRequestWithAuthSent); terr != nil {
			c.logf("securejoin: %v", terr)
		}
	}
	c.mu.Unlock()
	c.emitJoiner(progressRequestWithAuthSent, 0)
	return nil
}

// bobHandleMemberAdded completes a group join once Alice's
// vg-member-added arrives in the now-locally-visible group chat
// (ingest's ordinary group pipeline has already added Bob as a member
// by the time this runs, via chatmodel.Apply on the message's
// recipient list). Not present in the retained bob.rs fragment (no
// group-completion handler survived in original_source); grounded on
// spec.md 4.11's stated Alice behavior that triggered it.
func (c *Controller) bobHandleMemberAdded(conn *sqlite.Conn, fromAddr string, chatID int64) error {
	c.mu.Lock()
	b := c.bob
	c.mu.Unlock()
	if b == nil || !b.invite.IsGroup() || b.status != bobRequestWithAuthSent {
		return nil
	}
	if store.CanonicalAddr(b.invite.Addr) != store.CanonicalAddr(fromAddr) {
		return nil
	}

	c.mu.Lock()
	if c.bob == b {
		if terr := b.transition(bobCompleted); terr != nil {
			c.logf("securejoin: %v", terr)
		}
	}
	c.mu.Unlock()
	c.emitJoiner(progressSucceeded, 0)
	return nil
}

// abortBob implements bob.rs's notify_aborted: posts an explanatory
// info message into the stale handshake's carrier chat and marks it
// Terminated.
func (c *Controller) abortBob(conn *sqlite.Conn, b *bobState, why string) error {
	text := fmt.Sprintf("%s (%s)", stock.StrRepl1(stock.ContactNotVerified, b.invite.Addr), why)
	if _, err := c.insertInfoMsg(conn, b.chatID, text); err != nil {
		return err
	}
	_ = b.transition(bobTerminated)
	c.emitJoiner(progressError, 0)
	return nil
}

// insertInfoMsg stores a local, never-transmitted notice in chatID as
// a visible message: FromID Self, InNoticed, not Hidden. store has no dedicated helper for this (every
// other Msg row it writes either arrives over the wire or goes through
// outgoing's send path), so this is the minimal direct InsertMsg call
// securejoin needs for its own local notices.
func (c *Controller) insertInfoMsg(conn *sqlite.Conn, chatID int64, text string) (int64, error) {
	now := time.Now().Unix()
	msg := &store.Msg{
		Rfc724Mid:     "securejoin-" + dcid.New() + "@local",
		ChatID:        chatID,
		FromID:        store.ContactSelf,
		TimestampSort: now,
		TimestampSent: now,
		TimestampRcvd: now,
		Type:          store.ViewTypeText,
		State:         store.MsgStateInNoticed,
		IsDcMessage:   true,
		Hidden:        false,
		Txt:           text,
	}
	return store.InsertMsg(conn, msg)
}

func (c *Controller) emitJoiner(permille int, contactID int64) {
	c.bus.Emit(event.Event{Kind: event.KindSecurejoinJoinerProgress, AccountID: c.accountID, ContactID: contactID, Permille: permille})
}

func (c *Controller) emitInviter(permille int, contactID int64) {
	c.bus.Emit(event.Event{Kind: event.KindSecurejoinInviterProgress, AccountID: c.accountID, ContactID: contactID, Permille: permille})
}
