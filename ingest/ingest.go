// Package ingest implements the incoming-message pipeline of spec.md
// 4.8: parse a freshly fetched MIME message, deduplicate it, assign it
// to a chat, apply any group membership delta it carries, persist it,
// and enqueue the side-effect jobs (MDN, move-box relocation) its
// headers call for.
//
// Grounded on spilldb/processor.Processor.process's load -> transform
// -> persist -> side-effect shape, generalized from "clean HTML,
// embed assets, DKIM-stamp" to "parse, dedupe, classify into chat,
// apply membership, persist, enqueue jobs, ingest Autocrypt keys." The
// single-transaction-per-message discipline reuses
// processor.processSave's defer sqlitex.Save(conn)(&err) idiom via
// store.Store.WithTx.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/openpgp"

	"github.com/deltachat/dc-core-go/chatmodel"
	"github.com/deltachat/dc-core-go/dclog"
	"github.com/deltachat/dc-core-go/email"
	"github.com/deltachat/dc-core-go/event"
	"github.com/deltachat/dc-core-go/store"
	"github.com/deltachat/dc-core-go/third_party/imf"

	"crawshaw.io/sqlite"
)

// Ingester implements imapworker.Dispatcher against a single account's
// store.
type Ingester struct {
	st        *store.Store
	bus       *event.Bus
	accountID int64
	selfAddr  func() string
	logf      dclog.Logf

	// Securejoin, when set, is handed every incoming message that
	// carries a Secure-Join header (spec.md 4.11): it runs inside the
	// same transaction as the rest of Accept's pipeline, after the
	// message itself has been persisted hidden. Left nil, Secure-Join
	// messages are still stored (so dedup keeps working) but never
	// acted upon. Wired up by account setup code, the same way
	// jobqueue.Scheduler.RegisterHandler is wired after construction,
	// to avoid ingest depending on the securejoin package.
	Securejoin SecurejoinHandler
}

// SecurejoinHandler processes one incoming handshake message. conn is
// the same connection Accept's transaction is running on; chatID/msgID
// are where the message was just stored.
type SecurejoinHandler func(conn *sqlite.Conn, fromAddr string, chatID, msgID int64, hdrs *SecurejoinHeaders) error

// SecurejoinHeaders is the Secure-Join handshake header set of spec.md
// 4.11, read verbatim off the wire.
type SecurejoinHeaders struct {
	Step         string // vc-request, vc-auth-required, vc-request-with-auth, vg-request, vg-auth-required, vg-request-with-auth, vg-member-added
	Invitenumber string
	Auth         string
	Fingerprint  string
	GroupID      string
	GroupName    string
}

func New(st *store.Store, bus *event.Bus, accountID int64, selfAddr func() string, logf dclog.Logf) *Ingester {
	if logf == nil {
		logf = dclog.Discard
	}
	return &Ingester{st: st, bus: bus, accountID: accountID, selfAddr: selfAddr, logf: logf}
}

// Precheck implements imapworker.Dispatcher (spec.md 4.5's dedup
// skip-body-fetch rule): if the Message-ID is already known in any
// folder, the worker skips the body fetch entirely.
func (g *Ingester) Precheck(ctx context.Context, rfc724Mid string) (bool, error) {
	var have bool
	err := g.st.WithConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		have, err = store.AnyFolderHasRfc724Mid(conn, rfc724Mid)
		return err
	})
	return have, err
}

// parsed holds everything step 1 extracts from the raw message, ahead
// of any store access.
type parsed struct {
	rfc724Mid      string
	references     []string
	inReplyTo      string
	fromAddr       string
	fromName       string
	toAddrs        []string
	ccAddrs        []string
	timestampSent  int64
	groupID        string
	groupName      string
	pastMembers    map[string]int64
	addedAddr      string
	removedAddr    string
	dispositionTo  string
	isSystemMsg    bool
	text           string
	autocrypt      string
	autocryptGossip []string
	secureJoin     *SecurejoinHeaders
}

// Accept implements imapworker.Dispatcher: it runs the full seven-step
// pipeline of spec.md 4.8 in a single transaction.
func (g *Ingester) Accept(ctx context.Context, folder string, uid uint32, flags []string, raw []byte) error {
	p, err := parseMessage(raw)
	if err != nil {
		return err
	}

	return g.st.WithTx(ctx, func(conn *sqlite.Conn) error {
		// Step 2: deduplicate.
		if existingID, ok, err := store.FindMsgByRfc724Mid(conn, p.rfc724Mid, folder); err != nil {
			return err
		} else if ok {
			return store.UpdateMsgServerLocation(conn, existingID, folder, uid)
		}
		if have, err := store.AnyFolderHasRfc724Mid(conn, p.rfc724Mid); err != nil {
			return err
		} else if have {
			return nil
		}

		selfAddr := g.selfAddr()
		fromIsSelf := selfAddr != "" && store.CanonicalAddr(p.fromAddr) == store.CanonicalAddr(selfAddr)

		fromID, _, err := g.resolveContact(conn, p.fromAddr, p.fromName, selfAddr, fromIsSelf)
		if err != nil {
			return err
		}

		// Step 3: assign chat.
		chatID, isGroup, _, err := g.assignChat(conn, p, fromID, selfAddr)
		if err != nil {
			return err
		}

		// Step 4: apply membership operations. A freshly created group
		// already has the sender as a member (assignChat added it), so
		// the recipient-list delta is honored even on the chat's very
		// first message.
		if isGroup {
			recipients := append(append([]string{}, p.toAddrs...), p.ccAddrs...)
			chat, err := store.GetChat(conn, chatID)
			if err != nil {
				return err
			}
			if _, err := chatmodel.Apply(conn, chatID, fromID, p.timestampSent, selfAddr, chat.Promoted, chatmodel.Delta{
				Recipients:  recipients,
				PastMembers: p.pastMembers,
				AddedAddr:   p.addedAddr,
				RemovedAddr: p.removedAddr,
			}); err != nil {
				return err
			}
			// A message received over the wire for this group implies
			// the sender already promoted it; mirror that locally.
			if err := store.SetChatPromoted(conn, chatID, true); err != nil {
				return err
			}
		}

		// Step 5: persist message.
		state := store.MsgStateInFresh
		if p.isSystemMsg {
			state = store.MsgStateInNoticed
		}
		msg := &store.Msg{
			Rfc724Mid:      p.rfc724Mid,
			ServerFolder:   folder,
			ServerUID:      uid,
			ChatID:         chatID,
			FromID:         fromID,
			TimestampSort:  p.timestampSent,
			TimestampSent:  p.timestampSent,
			TimestampRcvd:  p.timestampSent,
			Type:           store.ViewTypeText,
			State:          state,
			IsDcMessage:    p.groupID != "" || p.isSystemMsg,
			Hidden:         p.isSystemMsg,
			Bytes:          int64(len(raw)),
			Txt:            p.text,
			MimeHeaders:    raw,
			MimeInReplyTo:  p.inReplyTo,
			MimeReferences: strings.Join(p.references, " "),
		}
		msgID, err := store.InsertMsg(conn, msg)
		if err != nil {
			return err
		}

		// Step 6: side effects.
		if p.dispositionTo != "" && !fromIsSelf {
			if _, err := store.EnqueueJob(conn, store.ActionSendMdn, msgID, "", p.timestampSent); err != nil {
				return err
			}
		}
		if isInboxMoveCandidate(p) {
			if _, err := store.EnqueueJob(conn, store.ActionMoveMsg, msgID, "", p.timestampSent); err != nil {
				return err
			}
			if err := store.SetMsgMoveState(conn, msgID, store.MoveStateMoving); err != nil {
				return err
			}
		}
		chat, err := store.GetChat(conn, chatID)
		if err != nil {
			return err
		}
		if chat.Visibility == store.VisibilityArchived && chat.MuteUntil == 0 {
			if err := store.SetChatVisibility(conn, chatID, store.VisibilityNormal); err != nil {
				return err
			}
		}

		// Step 7: Autocrypt header ingestion and peer-state update.
		// Full OpenPGP/MIME decrypt-and-verify of the body is still out
		// of scope (see DESIGN.md); what this step does is exactly
		// what the opportunistic-encryption gate in outgoing.plan
		// needs: a PeerState row with PreferEncrypted/PublicKey set
		// from the sender's own Autocrypt header, the same way a real
		// Autocrypt-compliant peer updates its keyring on every
		// message it receives, not only on deliberate key exchange.
		if !fromIsSelf && p.autocrypt != "" {
			if err := updatePeerStateFromAutocrypt(conn, p.fromAddr, p.autocrypt, p.timestampSent); err != nil {
				g.logf("ingest: autocrypt header from %s: %v", p.fromAddr, err)
			}
		}
		for _, gossip := range p.autocryptGossip {
			if err := updateGossipPeerState(conn, gossip, p.timestampSent); err != nil {
				g.logf("ingest: autocrypt-gossip header: %v", err)
			}
		}

		if p.secureJoin != nil && g.Securejoin != nil {
			if err := g.Securejoin(conn, p.fromAddr, chatID, msgID, p.secureJoin); err != nil {
				g.logf("ingest: securejoin handler: %v", err)
			}
		}

		g.bus.Emit(event.Event{Kind: event.KindIncomingMsg, AccountID: g.accountID, ChatID: chatID, MsgID: msgID})
		return nil
	})
}

// updatePeerStateFromAutocrypt parses the well-known "addr=...;
// keydata=<base64>" Autocrypt header value (the format outgoing.render
// writes) and upserts the sender's PeerState, setting PreferEncrypted
// to Mutual whenever the header's addr matches the message's From
// address — Autocrypt level 1 has no separate prefer-encrypt
// attribute in this implementation's wire format (see DESIGN.md), so
// any parseable header from the claimed sender is treated as an
// opt-in to opportunistic encryption.
func updatePeerStateFromAutocrypt(conn *sqlite.Conn, fromAddr, header string, timestampSent int64) error {
	addr, keydata, ok := parseAutocryptAttr(header)
	if !ok || store.CanonicalAddr(addr) != store.CanonicalAddr(fromAddr) {
		return nil
	}
	fp, err := KeyFingerprint(keydata)
	if err != nil {
		return err
	}
	ps, err := store.GetPeerState(conn, fromAddr)
	if err != nil {
		return err
	}
	if ps == nil {
		ps = &store.PeerState{Addr: fromAddr}
	}
	if timestampSent < ps.LastSeenAutocrypt {
		// An out-of-order redelivery of an older message must never
		// roll a peer's key back to a stale one.
		return nil
	}
	ps.LastSeen = timestampSent
	ps.LastSeenAutocrypt = timestampSent
	ps.PublicKey = keydata
	ps.PublicKeyFingerprint = fp
	ps.PreferEncrypted = store.PreferEncryptedMutual
	return store.SavePeerState(conn, ps)
}

// updateGossipPeerState handles one Autocrypt-Gossip header from a
// group message: the gossiped addr's PeerState gains a GossipKey. The
// key is only recorded; outgoing encrypts to a peer's own Autocrypt
// PublicKey and never to a GossipKey.
func updateGossipPeerState(conn *sqlite.Conn, header string, timestampSent int64) error {
	addr, keydata, ok := parseAutocryptAttr(header)
	if !ok {
		return nil
	}
	fp, err := KeyFingerprint(keydata)
	if err != nil {
		return err
	}
	ps, err := store.GetPeerState(conn, addr)
	if err != nil {
		return err
	}
	if ps == nil {
		ps = &store.PeerState{Addr: addr}
	}
	if timestampSent < ps.GossipTimestamp {
		return nil
	}
	ps.GossipTimestamp = timestampSent
	ps.GossipKey = keydata
	ps.GossipKeyFingerprint = fp
	return store.SavePeerState(conn, ps)
}

// parseAutocryptAttr parses the "addr=...; keydata=<base64>"
// attribute-list format Autocrypt and Autocrypt-Gossip headers share.
func parseAutocryptAttr(raw string) (addr string, keydata []byte, ok bool) {
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if a, found := strings.CutPrefix(part, "addr="); found {
			addr = strings.TrimSpace(a)
			continue
		}
		if k, found := strings.CutPrefix(part, "keydata="); found {
			kb, err := base64.StdEncoding.DecodeString(strings.TrimSpace(k))
			if err == nil {
				keydata = kb
			}
		}
	}
	return addr, keydata, addr != "" && len(keydata) > 0
}

// KeyFingerprint reads keydata as an OpenPGP public key (the same
// binary format outgoing.encryptBody reads recipient keys in) and
// returns its fingerprint as uppercase hex, the form used in
// OPENPGP4FPR QR codes and Secure-Join-Fingerprint headers. Exported
// for securejoin, which needs the same computation for the QR codes
// and handshake headers it generates.
func KeyFingerprint(keydata []byte) (string, error) {
	el, err := openpgp.ReadKeyRing(bytes.NewReader(keydata))
	if err != nil {
		return "", err
	}
	if len(el) == 0 || el[0].PrimaryKey == nil {
		return "", fmt.Errorf("ingest: key has no primary key")
	}
	return strings.ToUpper(hex.EncodeToString(el[0].PrimaryKey.Fingerprint[:])), nil
}

func (g *Ingester) resolveContact(conn *sqlite.Conn, addr, name, selfAddr string, isSelf bool) (int64, bool, error) {
	if isSelf {
		return store.ContactSelf, false, nil
	}
	return store.LookupOrCreateContact(conn, addr, name, store.OriginIncomingUnknown)
}

// assignChat implements spec.md 4.8 step 3.
func (g *Ingester) assignChat(conn *sqlite.Conn, p *parsed, fromID int64, selfAddr string) (chatID int64, isGroup, created bool, err error) {
	if p.groupID != "" {
		chat, err := store.FindChatByGrpID(conn, p.groupID)
		if err != nil {
			return 0, false, false, err
		}
		if chat != nil {
			return chat.ID, true, false, nil
		}
		chatID, err = store.CreateChat(conn, store.ChatTypeGroup, p.groupName, p.groupID)
		if err != nil {
			return 0, false, false, err
		}
		if err := store.AddChatContact(conn, chatID, store.ContactSelf, p.timestampSent); err != nil {
			return 0, false, false, err
		}
		if err := store.AddChatContact(conn, chatID, fromID, p.timestampSent); err != nil {
			return 0, false, false, err
		}
		return chatID, true, true, nil
	}

	for _, ref := range p.references {
		parentChatID, ok, err := store.FindChatIDByRfc724Mid(conn, strings.Trim(ref, "<>"))
		if err != nil {
			return 0, false, false, err
		}
		if ok {
			chat, err := store.GetChat(conn, parentChatID)
			if err != nil {
				return 0, false, false, err
			}
			return parentChatID, chat.Type == store.ChatTypeGroup, false, nil
		}
	}

	chatID, err = store.FindOrCreateSingleChat(conn, fromID)
	if err != nil {
		return 0, false, false, err
	}
	return chatID, false, false, nil
}

// isInboxMoveCandidate is the "heuristics" of spec.md 4.8 step 6,
// simplified to the one concrete signal header parsing gives us: a
// user-visible chat message (not a hidden system/info message) is
// moved out of the inbox into the move-box.
func isInboxMoveCandidate(p *parsed) bool {
	return !p.isSystemMsg
}

// parseMessage implements spec.md 4.8 step 1 using third_party/imf's
// RFC 5322 reader and address parser, the same ones the teacher's
// imapdb ingestion path uses for incoming mail.
func parseMessage(raw []byte) (*parsed, error) {
	r := imf.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	hdr, err := r.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}

	get := func(key string) string {
		v := hdr.Get(keyOf(key))
		return strings.TrimSpace(string(v))
	}

	p := &parsed{
		rfc724Mid:     strings.Trim(get("Message-Id"), "<>"),
		inReplyTo:     get("In-Reply-To"),
		groupID:       get("Chat-Group-Id"),
		groupName:     get("Chat-Group-Name"),
		addedAddr:     get("Chat-Group-Member-Added"),
		removedAddr:   get("Chat-Group-Member-Removed"),
		dispositionTo: get("Chat-Disposition-Notification-To"),
		pastMembers:   map[string]int64{},
	}
	p.isSystemMsg = get("Chat-Content") == "system" || get("Chat-Version") != "" && p.groupID != "" && (p.addedAddr != "" || p.removedAddr != "")

	if refs, err := imf.ParseReferences(get("References")); err == nil {
		p.references = refs
	}
	if from, err := imf.ParseAddressList(get("From")); err == nil && len(from) > 0 {
		p.fromAddr = from[0].Addr
		p.fromName = from[0].Name
	}
	if to, err := imf.ParseAddressList(get("To")); err == nil {
		for _, a := range to {
			p.toAddrs = append(p.toAddrs, a.Addr)
		}
	}
	if cc, err := imf.ParseAddressList(get("Cc")); err == nil {
		for _, a := range cc {
			p.ccAddrs = append(p.ccAddrs, a.Addr)
		}
	}
	p.pastMembers = parsePastMembers(get("Chat-Group-Past-Members"))
	p.timestampSent = parseDate(get("Date"))
	p.text = extractTextBody(raw)

	p.autocrypt = get("Autocrypt")
	for _, v := range hdr.Index[keyOf("Autocrypt-Gossip")] {
		p.autocryptGossip = append(p.autocryptGossip, strings.TrimSpace(string(v)))
	}

	if step := get("Secure-Join"); step != "" {
		p.secureJoin = &SecurejoinHeaders{
			Step:         step,
			Invitenumber: get("Secure-Join-Invitenumber"),
			Auth:         get("Secure-Join-Auth"),
			Fingerprint:  get("Secure-Join-Fingerprint"),
			GroupID:      get("Secure-Join-Group"),
			GroupName:    get("Secure-Join-Group-Name"),
		}
		p.isSystemMsg = true
	}

	return p, nil
}

func keyOf(s string) email.Key {
	return email.CanonicalKey([]byte(s))
}

// parsePastMembers reads the wire format this implementation uses for
// Chat-Group-Past-Members: a comma-separated list of "addr timestamp"
// pairs. original_source's retained files don't preserve the exact
// historical wire grammar for this header, so the format is this
// package's own Open Question decision (see DESIGN.md); any peer
// running this implementation agrees on it since both sides write and
// read the same header.
func parsePastMembers(raw string) map[string]int64 {
	out := map[string]int64{}
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		fields := strings.Fields(strings.TrimSpace(entry))
		if len(fields) != 2 {
			continue
		}
		ts := parseUnix(fields[1])
		if ts > 0 {
			out[fields[0]] = ts
		}
	}
	return out
}

// FormatPastMembers renders the Chat-Group-Past-Members header value,
// the inverse of parsePastMembers. Exported so the outgoing pipeline
// writes the same wire format this package reads.
func FormatPastMembers(m map[string]int64) string {
	parts := make([]string, 0, len(m))
	for addr, ts := range m {
		parts = append(parts, addr+" "+strconvItoa64(ts))
	}
	return strings.Join(parts, ", ")
}

func parseUnix(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

func strconvItoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}

// parseDate parses an RFC 5322 Date header permissively, falling back
// to the time the message is processed if it can't be parsed (a
// missing or malformed Date must never abort ingestion).
func parseDate(s string) int64 {
	if s == "" {
		return time.Now().Unix()
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix()
		}
	}
	return time.Now().Unix()
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
}

// extractTextBody returns the raw bytes following the header/body
// blank line as the message text. Full MIME multipart decoding (part
// tree, charset conversion, HTML-to-text) belongs to a rendering
// layer above ingestion, which stores the complete MimeHeaders blob
// for that layer to re-parse; this keeps only what spec.md 4.8's
// persist step needs, a best-effort preview string.
func extractTextBody(raw []byte) string {
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	if idx < 0 {
		idx = bytes.Index(raw, []byte("\n\n"))
		if idx < 0 {
			return ""
		}
		return strings.TrimSpace(string(raw[idx+2:]))
	}
	return strings.TrimSpace(string(raw[idx+4:]))
}
