// Package outgoing implements the outgoing pipeline of spec.md 4.10:
// validate a message against its chat, render it to MIME (with Chat-*
// headers and opportunistic OpenPGP encryption), persist the rendered
// bytes as a blob, enqueue an SMTP job, and react to the job's outcome.
//
// Grounded on spilldb/deliverer.Deliverer's deliver/collectToDeliver
// split (render -> stage as a blob -> hand to the network client ->
// record the outcome) and email/msgbuilder.Builder for MIME
// construction, kept as the MIME renderer and generalized here to add
// Chat-* headers and Autocrypt gossip. DKIM signing (the teacher's
// Deliverer.findSigner/dkim.Signer) does not apply: this core submits
// to one configured provider rather than relaying as the origin MTA,
// so Builder is used with DKIM left nil.
package outgoing

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"

	"github.com/deltachat/dc-core-go/blobstore"
	"github.com/deltachat/dc-core-go/chatmodel"
	"github.com/deltachat/dc-core-go/dcerr"
	"github.com/deltachat/dc-core-go/dcid"
	"github.com/deltachat/dc-core-go/dclog"
	"github.com/deltachat/dc-core-go/email"
	"github.com/deltachat/dc-core-go/email/msgbuilder"
	"github.com/deltachat/dc-core-go/event"
	"github.com/deltachat/dc-core-go/ingest"
	"github.com/deltachat/dc-core-go/smtpclient"
	"github.com/deltachat/dc-core-go/store"
)

// Pipeline renders, stages, and submits one account's outgoing
// messages, and reacts to the SMTP job's delivery outcome.
type Pipeline struct {
	st        *store.Store
	blobs     *blobstore.Store
	bus       *event.Bus
	accountID int64
	filer     *iox.Filer

	// SelfAddr resolves the account's configured address, matching
	// ingest.Ingester's convention so both pipelines agree on which
	// address is SELF without either depending on account setup order.
	SelfAddr func() string
	// SMTPClient returns the currently configured submission client, or
	// nil if the account has not finished IMAP/SMTP configuration yet.
	SMTPClient func() *smtpclient.Client

	Logf dclog.Logf
}

func New(st *store.Store, blobs *blobstore.Store, bus *event.Bus, accountID int64, filer *iox.Filer, selfAddr func() string, smtpClient func() *smtpclient.Client, logf dclog.Logf) *Pipeline {
	if logf == nil {
		logf = dclog.Discard
	}
	return &Pipeline{
		st: st, blobs: blobs, bus: bus, accountID: accountID, filer: filer,
		SelfAddr: selfAddr, SMTPClient: smtpClient, Logf: logf,
	}
}

// SendOptions carries the parts of spec.md 4.10 step 2 that only apply
// to specific kinds of outgoing messages: an explicit membership delta
// (set by the chat-membership operations that call through this
// pipeline so their system message carries the headers chatmodel.Apply
// expects on the receiving end) and the message's view type.
type SendOptions struct {
	AddedAddr   string
	RemovedAddr string
	ViewType    store.ViewType // zero value defaults to ViewTypeText

	// Hidden marks the stored message row hidden from the chat list,
	// matching ingest's convention for system/protocol messages that a
	// chat's transcript carries but the UI never renders (spec.md
	// 4.11's SecureJoin handshake messages use this).
	Hidden bool
	// ExtraHeaders are added verbatim after the standard Chat-* set,
	// used by securejoin to stamp Secure-Join/Secure-Join-* headers on
	// a handshake message without this package needing to know
	// anything about the SecureJoin protocol itself.
	ExtraHeaders map[string]string
}

// SendMsg implements spec.md 4.10's send_msg(chat, msg): validate,
// render, persist as OutPending with the blob path in Param, and
// enqueue a SendMsgToSmtp job. It returns the new message's ID.
func (p *Pipeline) SendMsg(ctx context.Context, chatID int64, text string, opts SendOptions) (int64, error) {
	var msgID int64
	err := p.st.WithTx(ctx, func(conn *sqlite.Conn) error {
		id, err := p.sendMsgTx(conn, chatID, text, opts)
		msgID = id
		return err
	})
	if err != nil {
		return 0, err
	}
	p.bus.Emit(event.Event{Kind: event.KindMsgsChanged, AccountID: p.accountID, ChatID: chatID, MsgID: msgID})
	return msgID, nil
}

// SendMsgOnConn is SendMsg for a caller that already holds conn inside
// its own transaction (securejoin's handshake replies run inside
// ingest.Accept's transaction, and opening a second pooled connection
// there would deadlock against the writer connection Accept already
// holds — see DESIGN.md).
func (p *Pipeline) SendMsgOnConn(conn *sqlite.Conn, chatID int64, text string, opts SendOptions) (int64, error) {
	msgID, err := p.sendMsgTx(conn, chatID, text, opts)
	if err != nil {
		return 0, err
	}
	p.bus.Emit(event.Event{Kind: event.KindMsgsChanged, AccountID: p.accountID, ChatID: chatID, MsgID: msgID})
	return msgID, nil
}

func (p *Pipeline) sendMsgTx(conn *sqlite.Conn, chatID int64, text string, opts SendOptions) (int64, error) {
	plan, err := p.planTx(conn, chatID, text, opts)
	if err != nil {
		return 0, err
	}

	raw, err := p.render(plan)
	if err != nil {
		return 0, err
	}

	relPath, size, err := p.blobs.Create(bytes.NewReader(raw), "eml")
	if err != nil {
		return 0, fmt.Errorf("outgoing: stage blob: %v", err)
	}

	msg := &store.Msg{
		Rfc724Mid:     plan.rfc724Mid,
		ChatID:        chatID,
		FromID:        store.ContactSelf,
		TimestampSort: plan.timestamp,
		TimestampSent: plan.timestamp,
		Type:          plan.viewType,
		State:         store.MsgStateOutPending,
		IsDcMessage:   plan.chat.Type == store.ChatTypeGroup || opts.Hidden,
		Hidden:        opts.Hidden,
		Bytes:         size,
		Txt:           text,
		Param:         "f=" + relPath,
		LocationID:    plan.locationID,
	}
	msgID, err := store.InsertMsg(conn, msg)
	if err != nil {
		return 0, err
	}

	if _, err := store.EnqueueJob(conn, store.ActionSendMsgToSmtp, msgID, "", plan.timestamp); err != nil {
		return 0, err
	}
	if plan.chat.Type == store.ChatTypeGroup && !plan.chat.Promoted {
		if err := chatmodel.Promote(conn, chatID); err != nil {
			return 0, err
		}
	}
	return msgID, nil
}

// Resend implements spec.md 4.10's resend_msgs: only the local user's
// own messages may be resent, a fresh SMTP job is enqueued against the
// existing blob, and the stored message row is never duplicated. Per
// DESIGN.md's Open Question decision, a resend reuses the originally
// rendered bytes verbatim rather than re-deriving the opportunistic
// encryption decision for the current recipient set.
func (p *Pipeline) Resend(ctx context.Context, msgID int64) error {
	return p.st.WithTx(ctx, func(conn *sqlite.Conn) error {
		msg, err := store.GetMsg(conn, msgID)
		if err != nil {
			return err
		}
		if msg == nil {
			return fmt.Errorf("outgoing: resend: no such message %d", msgID)
		}
		if msg.FromID != store.ContactSelf {
			return fmt.Errorf("outgoing: resend: message %d was not authored locally", msgID)
		}
		_, err = store.EnqueueJob(conn, store.ActionSendMsgToSmtp, msgID, "", time.Now().Unix())
		return err
	})
}

// HandleSendToSmtp is the ActionSendMsgToSmtp job body, shaped to fit
// jobqueue.Handler without outgoing importing jobqueue (per
// jobqueue's own doc comment, handlers live alongside the transport
// they drive, not inside the scheduler package). Whoever wires up the
// account's scheduler registers this directly:
// sched.RegisterHandler(store.ActionSendMsgToSmtp, pipeline.HandleSendToSmtp).
//
// Per DESIGN.md's Open Question decision, a job with several
// recipients is retried or failed as a whole rather than tracked
// per-recipient: any temporary failure anywhere retries the entire
// job (duplicate delivery to an already-successful recipient is
// tolerated, matching the teacher's own at-least-once job semantics),
// and only once every recipient has a permanent outcome is the
// message marked Failed or Delivered.
func (p *Pipeline) HandleSendToSmtp(ctx context.Context, conn *sqlite.Conn, job *store.Job) dcerr.Outcome {
	msg, err := store.GetMsg(conn, job.ForeignID)
	if err != nil {
		p.Logf("outgoing: load message %d: %v", job.ForeignID, err)
		return dcerr.Failed
	}
	if msg == nil || msg.State != store.MsgStateOutPending {
		return dcerr.AlreadyDone
	}

	client := p.SMTPClient()
	if client == nil {
		return dcerr.RetryLater
	}

	relPath := strings.TrimPrefix(msg.Param, "f=")
	f, err := p.blobs.OpenBlob(relPath)
	if err != nil {
		p.Logf("outgoing: open blob for message %d: %v", msg.ID, err)
		return dcerr.Failed
	}
	defer f.Close()

	recipients, err := recipientsForChat(conn, msg.ChatID)
	if err != nil {
		p.Logf("outgoing: recipients for chat %d: %v", msg.ChatID, err)
		return dcerr.Failed
	}
	if len(recipients) == 0 {
		// Self-talk and similar chats have no SMTP recipients at all;
		// the message is considered delivered as soon as it's queued.
		if err := store.SetMsgState(conn, msg.ID, store.MsgStateOutDelivered); err != nil {
			return dcerr.Failed
		}
		p.bus.Emit(event.Event{Kind: event.KindMsgDelivered, AccountID: p.accountID, ChatID: msg.ChatID, MsgID: msg.ID})
		return dcerr.Success
	}

	deliveries, err := client.Send(ctx, p.SelfAddr(), recipients, f, msg.Bytes)
	if err != nil {
		return dcerr.Classify(err)
	}

	anyTemp, anyPerm, allOK := false, false, true
	for _, d := range deliveries {
		switch d.Outcome() {
		case dcerr.RetryLater:
			anyTemp, allOK = true, false
		case dcerr.Failed:
			anyPerm, allOK = true, false
		}
	}

	switch {
	case anyTemp:
		return dcerr.RetryLater
	case anyPerm && !allOK:
		if err := store.SetMsgState(conn, msg.ID, store.MsgStateOutFailed); err != nil {
			return dcerr.Failed
		}
		p.bus.Emit(event.Event{Kind: event.KindMsgFailed, AccountID: p.accountID, ChatID: msg.ChatID, MsgID: msg.ID})
		return dcerr.Failed
	}

	if err := store.SetMsgState(conn, msg.ID, store.MsgStateOutDelivered); err != nil {
		return dcerr.Failed
	}
	if chat, err := store.GetChat(conn, msg.ChatID); err == nil && chat != nil && chat.LocationsSendUntil > 0 {
		if err := store.SetChatLocationsLastSent(conn, msg.ChatID, msg.TimestampSort); err != nil {
			p.Logf("outgoing: advance locations watermark for chat %d: %v", msg.ChatID, err)
		}
	}
	p.bus.Emit(event.Event{Kind: event.KindMsgDelivered, AccountID: p.accountID, ChatID: msg.ChatID, MsgID: msg.ID})
	return dcerr.Success
}

// recipientsForChat re-derives the address list at delivery time
// rather than persisting it on the message: chat membership is
// mutable, and a resend should target whoever is a member now.
func recipientsForChat(conn *sqlite.Conn, chatID int64) ([]string, error) {
	members, err := store.ChatMembers(conn, chatID)
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, contactID := range members {
		if contactID == store.ContactSelf {
			continue
		}
		c, err := store.GetContact(conn, contactID)
		if err != nil {
			return nil, err
		}
		if c != nil {
			addrs = append(addrs, c.Addr)
		}
	}
	return addrs, nil
}

// sendPlan is everything step 1 (validate) and the read side of step 2
// (render) gather before any bytes are built, so rendering itself
// never needs to go back to the database.
type sendPlan struct {
	chat         *store.Chat
	rfc724Mid    string
	timestamp    int64
	viewType     store.ViewType
	selfAddr     string
	fromName     string
	recipients   []recipient
	pastMembers  map[string]int64
	addedAddr    string
	removedAddr  string
	inReplyTo    string
	references   []string
	locationID   int64
	locations    []*store.Location
	gossipKeys   map[string][]byte // addr -> public key, for group Autocrypt-Gossip
	ownKey       []byte
	encrypt      bool
	text         string
	extraHeaders map[string]string
}

type recipient struct {
	addr string
	key  []byte // non-nil only if encryption is viable for this recipient
}

// plan implements spec.md 4.10 step 1 (validate) and the data-gathering
// half of step 2, all as reads against the store.
func (p *Pipeline) plan(ctx context.Context, chatID int64, text string, opts SendOptions) (*sendPlan, error) {
	var plan *sendPlan
	err := p.st.WithConn(ctx, func(conn *sqlite.Conn) error {
		pl, err := p.planTx(conn, chatID, text, opts)
		plan = pl
		return err
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// planTx is plan against a connection the caller already holds (used by
// sendMsgTx, whether that runs inside SendMsg's own WithTx or inside a
// caller-owned transaction via SendMsgOnConn).
func (p *Pipeline) planTx(conn *sqlite.Conn, chatID int64, text string, opts SendOptions) (*sendPlan, error) {
	selfAddr := p.SelfAddr()
	plan := &sendPlan{
		selfAddr:    selfAddr,
		timestamp:   time.Now().Unix(),
		rfc724Mid:   dcid.NewMessageID(),
		viewType:    opts.ViewType,
		addedAddr:   opts.AddedAddr,
		removedAddr: opts.RemovedAddr,
		text:         text,
		gossipKeys:   map[string][]byte{},
		extraHeaders: opts.ExtraHeaders,
	}
	if plan.viewType == store.ViewTypeUnknown {
		plan.viewType = store.ViewTypeText
	}

	err := func() error {
		chat, err := store.GetChat(conn, chatID)
		if err != nil {
			return err
		}
		if chat == nil {
			return fmt.Errorf("outgoing: no such chat %d", chatID)
		}
		if err := validateChat(chat); err != nil {
			return err
		}
		isMember, _, err := store.IsChatMember(conn, chatID, store.ContactSelf)
		if err != nil {
			return err
		}
		if !isMember {
			return fmt.Errorf("outgoing: chat %d is read-only: local user is no longer a member", chatID)
		}
		plan.chat = chat

		members, err := store.ChatMembers(conn, chatID)
		if err != nil {
			return err
		}
		allEncryptable := true
		for _, contactID := range members {
			if contactID == store.ContactSelf {
				continue
			}
			c, err := store.GetContact(conn, contactID)
			if err != nil {
				return err
			}
			if c == nil {
				continue
			}
			r := recipient{addr: c.Addr}
			ps, err := store.GetPeerState(conn, c.Addr)
			if err != nil {
				return err
			}
			if ps != nil && ps.PreferEncrypted == store.PreferEncryptedMutual && len(ps.PublicKey) > 0 {
				r.key = ps.PublicKey
				plan.gossipKeys[c.Addr] = ps.PublicKey
			} else {
				allEncryptable = false
			}
			plan.recipients = append(plan.recipients, r)
		}
		plan.encrypt = allEncryptable && len(plan.recipients) > 0

		if chat.Type == store.ChatTypeGroup {
			pm, err := store.PastMembers(conn, chatID)
			if err != nil {
				return err
			}
			plan.pastMembers = map[string]int64{}
			for contactID, ts := range pm {
				c, err := store.GetContact(conn, contactID)
				if err != nil {
					return err
				}
				if c != nil {
					plan.pastMembers[c.Addr] = ts
				}
			}
		}

		if kp, err := store.DefaultKeypair(conn, selfAddr); err == nil && kp != nil {
			plan.ownKey = kp.PublicKey
		}

		if chat.LocationsSendUntil > plan.timestamp {
			locs, err := store.UnsentLocationsForChat(conn, chatID, chat.LocationsLastSent)
			if err != nil {
				return err
			}
			plan.locations = locs
			if len(locs) > 0 {
				plan.locationID = locs[len(locs)-1].ID
			}
		}

		return nil
	}()
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// validateChat implements the read-only-chat half of spec.md 4.10 step
// 1. Quote-from-foreign-chat rejection and sticker de-forwarding are
// not modeled: the Message data model this core persists carries
// neither a quote source nor a forwarded-from flag, so there is
// nothing for this check to inspect (see DESIGN.md).
func validateChat(chat *store.Chat) error {
	switch chat.Type {
	case store.ChatTypeDeviceTalk:
		return fmt.Errorf("outgoing: chat %d is a device chat and is read-only", chat.ID)
	case store.ChatTypeMailinglist:
		return fmt.Errorf("outgoing: chat %d is a mailing list and is read-only", chat.ID)
	}
	return nil
}

// render implements the write half of spec.md 4.10 step 2: build the
// MIME headers and body, attaching OpenPGP encryption when every
// recipient prefers it and gossiping Autocrypt keys for a group's
// other members.
func (p *Pipeline) render(plan *sendPlan) ([]byte, error) {
	body := plan.text
	if plan.encrypt {
		enc, err := encryptBody(plan.text, recipientKeys(plan.recipients))
		if err != nil {
			// Opportunistic encryption: a key that turns out to be
			// unusable falls back to cleartext rather than failing the
			// send outright.
			plan.encrypt = false
		} else {
			body = enc
		}
	}

	msg := &email.Msg{
		Seed: seed(),
		Date: time.Unix(plan.timestamp, 0).UTC(),
		Parts: []email.Part{{
			IsBody:      true,
			ContentType: "text/plain",
			Content:     newMemBuffer(body),
		}},
	}

	hdr := &msg.Headers
	add := func(key, val string) {
		if val != "" {
			hdr.Add(email.CanonicalKey([]byte(key)), []byte(val))
		}
	}

	add("From", plan.selfAddr)
	add("To", strings.Join(recipientAddrs(plan.recipients), ", "))
	add("Subject", subjectFor(plan))
	add("Message-Id", "<"+plan.rfc724Mid+">")
	if plan.inReplyTo != "" {
		add("In-Reply-To", "<"+plan.inReplyTo+">")
	}
	if len(plan.references) > 0 {
		add("References", plan.references[0])
	}

	add("Chat-Version", "1.0")
	if plan.chat.Type == store.ChatTypeGroup {
		add("Chat-Group-Id", plan.chat.GrpID)
		add("Chat-Group-Name", mime.QEncoding.Encode("utf-8", plan.chat.Name))
		add("Chat-Group-Member-Added", plan.addedAddr)
		add("Chat-Group-Member-Removed", plan.removedAddr)
		add("Chat-Group-Past-Members", ingest.FormatPastMembers(plan.pastMembers))
	}
	if len(plan.locations) > 0 {
		add("Chat-Content", "location-streaming-enabled")
	}

	if len(plan.ownKey) > 0 {
		add("Autocrypt", "addr="+plan.selfAddr+"; keydata="+base64.StdEncoding.EncodeToString(plan.ownKey))
	}
	if plan.chat.Type == store.ChatTypeGroup {
		for addr, key := range plan.gossipKeys {
			add("Autocrypt-Gossip", "addr="+addr+"; keydata="+base64.StdEncoding.EncodeToString(key))
		}
	}
	for k, v := range plan.extraHeaders {
		add(k, v)
	}

	var out bytes.Buffer
	b := &msgbuilder.Builder{Filer: p.filer}
	if err := b.Build(&out, msg); err != nil {
		return nil, fmt.Errorf("outgoing: render: %v", err)
	}
	return out.Bytes(), nil
}

func recipientAddrs(rs []recipient) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.addr
	}
	return out
}

func recipientKeys(rs []recipient) [][]byte {
	var out [][]byte
	for _, r := range rs {
		if len(r.key) > 0 {
			out = append(out, r.key)
		}
	}
	return out
}

func subjectFor(plan *sendPlan) string {
	if plan.chat.Type == store.ChatTypeGroup && plan.chat.Name != "" {
		return mime.QEncoding.Encode("utf-8", plan.chat.Name)
	}
	line := plan.text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if len(line) > 60 {
		line = line[:60]
	}
	if line == "" {
		return "Message"
	}
	return mime.QEncoding.Encode("utf-8", line)
}

// encryptBody opportunistically PGP-encrypts plaintext to every key in
// recipientKeys, returning ASCII-armored ciphertext. This is a
// deliberately simplified stand-in for full PGP/MIME (RFC 3156)
// multipart/encrypted framing: the spec's Non-goals already exclude a
// from-scratch OpenPGP implementation ("bodies call out to
// golang.org/x/crypto/openpgp"), and a single armored text/plain body
// is enough to exercise that dependency end-to-end without building a
// second MIME tree shape just for the encrypted case (see DESIGN.md).
func encryptBody(plaintext string, recipientKeys [][]byte) (string, error) {
	var keyring openpgp.EntityList
	for _, kb := range recipientKeys {
		el, err := openpgp.ReadKeyRing(bytes.NewReader(kb))
		if err != nil {
			return "", err
		}
		keyring = append(keyring, el...)
	}
	if len(keyring) == 0 {
		return "", fmt.Errorf("outgoing: no usable recipient keys")
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return "", err
	}
	w, err := openpgp.Encrypt(aw, keyring, nil, nil, nil)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// seed mints the per-message random value msgbuilder.BuildTree uses to
// derive deterministic (but unpredictable) MIME boundaries.
func seed() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// memBuffer is a read-only, in-memory email.Buffer: msgbuilder only
// ever Seeks and Reads a part's Content when encoding it, never
// Writes, so this is simpler than routing a short text body through
// the Filer's on-disk BufferFile.
type memBuffer struct {
	*bytes.Reader
}

func newMemBuffer(s string) *memBuffer { return &memBuffer{bytes.NewReader([]byte(s))} }

func (m *memBuffer) Write([]byte) (int, error) {
	return 0, fmt.Errorf("outgoing: memBuffer is read-only")
}

func (m *memBuffer) Close() error { return nil }
