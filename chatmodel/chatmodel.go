// Package chatmodel implements the group membership convergence
// protocol of spec.md 4.9: every member eventually agrees on the same
// membership set despite message loss and reordering, with no central
// authority, by treating each promoted message's recipient list as
// the authoritative current-members snapshot and its
// Chat-Group-Past-Members header as a set of removal tombstones.
//
// This is new domain logic with no direct analog in the teacher (a
// plain mailbox server has no group concept). It is grounded
// structurally on the teacher's ChatContact-shaped join-table idiom
// already used for store.ChatContacts/PastChatContacts (a (parent,
// member) table with an extra timestamp column, PRIMARY KEY(a,b)) —
// this package is the rule engine that decides what to write there,
// not a new storage shape.
package chatmodel

import (
	"crawshaw.io/sqlite"

	"github.com/deltachat/dc-core-go/store"
)

// Delta is the group membership state carried by one promoted group
// message (spec.md 4.9's "wire state").
type Delta struct {
	// Recipients is the envelope's recipient list: the authoritative
	// current-members snapshot at send time.
	Recipients []string
	// PastMembers maps an address to its Chat-Group-Past-Members
	// removal timestamp.
	PastMembers map[string]int64
	// AddedAddr/RemovedAddr are the optional explicit
	// Chat-Group-Member-Added/-Removed headers. They carry no more
	// authority than Recipients/PastMembers; they only inform which
	// system message to render.
	AddedAddr   string
	RemovedAddr string
}

// Result records which contacts actually changed membership, for the
// caller to render a system message via the stock package.
type Result struct {
	Added   []int64
	Removed []int64
	// Ignored is true if the sender was not a current member and the
	// whole delta was therefore ignored (the message itself is still
	// delivered by the caller; only its membership effect is dropped).
	Ignored bool
}

// Apply runs the receipt-time apply rules of spec.md 4.9 against
// chatID, given the message's sender, timestamp, and wire delta.
// selfAddr resolves which address is the local user, so SELF is
// mapped to store.ContactSelf rather than spawning a duplicate
// contact row. chatPromoted gates tombstone creation: an unpromoted
// group (never yet sent) drops members without recording a tombstone,
// since the group is still purely local.
func Apply(conn *sqlite.Conn, chatID, senderContactID, msgTimestamp int64, selfAddr string, chatPromoted bool, delta Delta) (*Result, error) {
	isMember, _, err := store.IsChatMember(conn, chatID, senderContactID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return &Result{Ignored: true}, nil
	}

	res := &Result{}

	for _, addr := range delta.Recipients {
		contactID, err := resolveAddr(conn, selfAddr, addr)
		if err != nil {
			return nil, err
		}
		member, _, err := store.IsChatMember(conn, chatID, contactID)
		if err != nil {
			return nil, err
		}
		if member {
			continue
		}
		_, tombstoned, removeTS, err := tombstone(conn, chatID, contactID)
		if err != nil {
			return nil, err
		}
		if tombstoned && removeTS > msgTimestamp {
			continue
		}
		if err := store.AddChatContact(conn, chatID, contactID, msgTimestamp); err != nil {
			return nil, err
		}
		res.Added = append(res.Added, contactID)
	}

	for addr, removeTS := range delta.PastMembers {
		contactID, err := resolveAddr(conn, selfAddr, addr)
		if err != nil {
			return nil, err
		}
		member, addTS, err := store.IsChatMember(conn, chatID, contactID)
		if err != nil {
			return nil, err
		}
		switch {
		case member && addTS < removeTS:
			if err := store.RemoveChatContact(conn, chatID, contactID); err != nil {
				return nil, err
			}
			if chatPromoted {
				if err := store.AddTombstone(conn, chatID, contactID, removeTS); err != nil {
					return nil, err
				}
			}
			res.Removed = append(res.Removed, contactID)
		case !member:
			_, tombstoned, _, err := tombstone(conn, chatID, contactID)
			if err != nil {
				return nil, err
			}
			if !tombstoned && chatPromoted {
				if err := store.AddTombstone(conn, chatID, contactID, removeTS); err != nil {
					return nil, err
				}
			}
		}
	}

	return res, nil
}

func tombstone(conn *sqlite.Conn, chatID, contactID int64) (int64, bool, int64, error) {
	ts, ok, err := store.TombstoneRemoveTimestamp(conn, chatID, contactID)
	return ts, ok, ts, err
}

func resolveAddr(conn *sqlite.Conn, selfAddr, addr string) (int64, error) {
	if selfAddr != "" && store.CanonicalAddr(addr) == store.CanonicalAddr(selfAddr) {
		return store.ContactSelf, nil
	}
	id, _, err := store.LookupOrCreateContact(conn, addr, "", store.OriginIncomingUnknown)
	return id, err
}

// Promote marks chatID promoted: the first time a group message is
// actually sent, per spec.md 4.9's unpromoted-group exception.
func Promote(conn *sqlite.Conn, chatID int64) error {
	return store.SetChatPromoted(conn, chatID, true)
}

// Leave removes SELF from chatID, modeled as an ordinary remove by
// SELF (spec.md 4.9's self-leave rule): the caller's next send to this
// chat must be suppressed and the chat treated read-only, but that
// policy lives in the outgoing pipeline, not here.
func Leave(conn *sqlite.Conn, chatID int64, atTimestamp int64) error {
	if err := store.RemoveChatContact(conn, chatID, store.ContactSelf); err != nil {
		return err
	}
	return store.AddTombstone(conn, chatID, store.ContactSelf, atTimestamp)
}
