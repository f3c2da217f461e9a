// Package stock holds the translatable system-message strings the
// core formats into chats: "Member %1$s added.", "Group image
// changed.", and so on, plus the "%1$s by %2$s." composition rule used
// to attribute a group action to whoever performed it.
//
// Grounded on original_source/src/stock.rs's StockMessage enum and
// fallback strings (the distillation in spec.md doesn't list them, but
// a group-membership protocol that generates system messages needs
// somewhere to keep their text — supplemented per SPEC_FULL.md). The
// enum-plus-fallback-string shape is translated from Rust's strum
// EnumProperty attributes into a plain Go map, since nothing in the
// teacher or pack pulls in an i18n/catalog library (no go-i18n,
// no gotext) — the grounded choice is a lookup table with an
// overridable lookup func, in the same spirit as the original's
// "ask the embedder's callback first, fall back to English" design.
package stock

import (
	"fmt"
	"strings"
)

// ID names one stock string, matching original_source/src/stock.rs's
// StockMessage variants relevant to chat system messages and
// encryption/contact status text.
type ID int

const (
	NoMessages ID = iota + 1
	SelfMsg
	Draft
	_ // Member count string: not used as a system message, omitted
	_
	Contact
	VoiceMessage
	DeadDrop
	Image
	Video
	Audio
	File
)

const (
	StatusLine ID = iota + 13
	NewGroupDraft
	MsgGrpName
	MsgGrpImgChanged
	MsgAddMember
	MsgDelMember
	MsgGroupLeft
)

const (
	Gif ID = iota + 23
	EncryptedMsg
	E2eAvailable
	_
	EncrTransp
	EncrNone
	CantDecryptMsgBody
	FingerPrints
	ReadRcpt
	ReadRcptMailBody
	MsgGrpImgDeleted
	E2ePreferred
	ContactVerified
	ContactNotVerified
	ContactSetupChanged
)

const (
	ArchivedChats ID = iota + 40
	StarredMsgs
	AcSetupMsgSubject
	AcSetupMsgBody
)

const (
	SelfTalkSubTitle ID = 50
)

const (
	CannotLogin ID = iota + 60
	ServerResponse
	MsgActionByUser
	MsgActionByMe
	MsgLocationEnabled
	MsgLocationDisabled
	Location
)

// SecureJoin progress-notice strings, posted as visible info messages
// into the carrier chat by the securejoin package (spec.md 4.11).
const (
	SecureJoinStarted ID = iota + 90
	SecureJoinReplies
	SecureJoinWait
	SecureJoinWaitTimeout
)

var fallback = map[ID]string{
	NoMessages:           "No messages.",
	SelfMsg:              "Me",
	Draft:                "Draft",
	Contact:              "%1$s contact(s)",
	VoiceMessage:         "Voice message",
	DeadDrop:             "Contact requests",
	Image:                "Image",
	Video:                "Video",
	Audio:                "Audio",
	File:                 "File",
	StatusLine:           "Sent with my Delta Chat Messenger: https://delta.chat",
	NewGroupDraft:        `Hello, I've just created the group "%1$s" for us.`,
	MsgGrpName:           `Group name changed from "%1$s" to "%2$s".`,
	MsgGrpImgChanged:     "Group image changed.",
	MsgAddMember:         "Member %1$s added.",
	MsgDelMember:         "Member %1$s removed.",
	MsgGroupLeft:         "Group left.",
	Gif:                  "GIF",
	EncryptedMsg:         "Encrypted message",
	E2eAvailable:         "End-to-end encryption available.",
	EncrTransp:           "Transport-encryption.",
	EncrNone:             "No encryption.",
	CantDecryptMsgBody:   "This message was encrypted for another setup.",
	FingerPrints:         "Fingerprints",
	ReadRcpt:             "Return receipt",
	ReadRcptMailBody:     `This is a return receipt for the message "%1$s".`,
	MsgGrpImgDeleted:     "Group image deleted.",
	E2ePreferred:         "End-to-end encryption preferred.",
	ContactVerified:      "%1$s verified.",
	ContactNotVerified:   "Cannot verify %1$s",
	ContactSetupChanged:  "Changed setup for %1$s",
	ArchivedChats:        "Archived chats",
	StarredMsgs:          "Starred messages",
	AcSetupMsgSubject:    "Autocrypt Setup Message",
	AcSetupMsgBody:       "This is the Autocrypt Setup Message used to transfer your key between clients.\n\nTo decrypt and use your key, open the message in an Autocrypt-compliant client and enter the setup code presented on the generating device.",
	SelfTalkSubTitle:     "Messages I sent to myself",
	CannotLogin:          "Cannot login as %1$s.",
	ServerResponse:       "Response from %1$s: %2$s",
	MsgActionByUser:      "%1$s by %2$s.",
	MsgActionByMe:        "%1$s by me.",
	MsgLocationEnabled:   "Location streaming enabled.",
	MsgLocationDisabled:  "Location streaming disabled.",
	Location:             "Location",
	SecureJoinStarted:    "%1$s invited you to join the group \"%2$s\". Waiting for confirmation from %1$s…",
	SecureJoinReplies:    "Waiting for confirmation from %1$s…",
	SecureJoinWait:       "Waiting for confirmation from %1$s…",
	SecureJoinWaitTimeout: "%1$s did not confirm the contact request in time.",
}

// Lookup, when set, is tried before the built-in English fallback,
// mirroring the original's "ask the embedder's translation callback
// first" behavior.
var Lookup func(id ID) (string, bool)

func str(id ID) string {
	if Lookup != nil {
		if s, ok := Lookup(id); ok {
			return s
		}
	}
	return fallback[id]
}

// replaceOne substitutes the first occurrence of both the %s and %d
// placeholder spellings, matching stock_string_repl_str/_int's
// "replace whichever verb is present" behavior.
func replaceOne(s, placeholder, val string) string {
	s = strings.Replace(s, placeholder+"$s", val, 1)
	s = strings.Replace(s, placeholder+"$d", val, 1)
	return s
}

// Str returns the plain stock string for id, untranslated parameters.
func Str(id ID) string {
	return str(id)
}

// StrRepl1 substitutes the %1 placeholder with insert.
func StrRepl1(id ID, insert string) string {
	return replaceOne(str(id), "%1", insert)
}

// StrRepl2 substitutes %1 with insert and %2 with insert2.
func StrRepl2(id ID, insert, insert2 string) string {
	s := replaceOne(str(id), "%1", insert)
	return replaceOne(s, "%2", insert2)
}

// StrReplInt substitutes %1 with an integer.
func StrReplInt(id ID, n int) string {
	return StrRepl1(id, fmt.Sprintf("%d", n))
}

// SystemMsg composes a group-action system message, matching
// stock_system_msg's attribution rule: if isSelf is set the
// base text becomes the insert for MsgActionByMe ("... by me."); for
// any other contact, actorName becomes the second insert for
// MsgActionByUser ("... by Alice."); a trailing period on the base
// text is trimmed first so the composed sentence doesn't end in "..".
func SystemMsg(id ID, param1, param2 string, isSelf bool, actorName string) string {
	var base string
	switch id {
	case MsgAddMember, MsgDelMember:
		base = StrRepl1(id, param1)
	case MsgGrpName:
		base = StrRepl2(id, param1, param2)
	default:
		base = StrRepl2(id, param1, param2)
	}

	if actorName == "" && !isSelf {
		return base
	}

	base = strings.TrimSuffix(base, ".")
	if isSelf {
		return StrRepl1(MsgActionByMe, base)
	}
	return StrRepl2(MsgActionByUser, base, actorName)
}
