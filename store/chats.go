package store

import (
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/deltachat/dc-core-go/dcid"
)

type ChatType int

const (
	ChatTypeUndefined ChatType = 0
	ChatTypeSingle    ChatType = 100
	ChatTypeGroup     ChatType = 120
	ChatTypeBroadcast ChatType = 130
	ChatTypeMailinglist ChatType = 140
	ChatTypeSelfTalk  ChatType = 150
	ChatTypeDeviceTalk ChatType = 160
)

type Visibility int

const (
	VisibilityNormal   Visibility = 0
	VisibilityArchived Visibility = 1
	VisibilityPinned   Visibility = 2
)

type Protection int

const (
	ProtectionUnprotected Protection = 0
	ProtectionProtected   Protection = 1
)

// Reserved chat IDs, per spec.md 3.
const (
	ChatTrash        int64 = 3
	ChatArchivedLink int64 = 6
	ChatAllDoneHint  int64 = 7
	ChatIDMin        int64 = 10
)

type Chat struct {
	ID                 int64
	Type               ChatType
	Name               string
	Blocked            bool
	Visibility         Visibility
	GrpID              string
	Param              string
	Protected          Protection
	MuteUntil          int64
	EphemeralTimer     int64
	LocationsSendBegin int64
	LocationsSendUntil int64
	LocationsLastSent  int64
	GossipedTimestamp  int64
	Promoted           bool
}

func chatFromStmt(stmt *sqlite.Stmt, id int64) *Chat {
	return &Chat{
		ID:                 id,
		Type:               ChatType(stmt.GetInt64("Type")),
		Name:               stmt.GetText("Name"),
		Blocked:            stmt.GetInt64("Blocked") != 0,
		Visibility:         Visibility(stmt.GetInt64("Visibility")),
		GrpID:              stmt.GetText("GrpID"),
		Param:              stmt.GetText("Param"),
		Protected:          Protection(stmt.GetInt64("Protected")),
		MuteUntil:          stmt.GetInt64("MuteUntil"),
		EphemeralTimer:     stmt.GetInt64("EphemeralTimer"),
		LocationsSendBegin: stmt.GetInt64("LocationsSendBegin"),
		LocationsSendUntil: stmt.GetInt64("LocationsSendUntil"),
		LocationsLastSent:  stmt.GetInt64("LocationsLastSent"),
		GossipedTimestamp:  stmt.GetInt64("GossipedTimestamp"),
		Promoted:           stmt.GetInt64("Promoted") != 0,
	}
}

const chatColumns = `Type, Name, Blocked, Visibility, GrpID, Param, Protected, MuteUntil,
	EphemeralTimer, LocationsSendBegin, LocationsSendUntil, LocationsLastSent,
	GossipedTimestamp, Promoted`

func GetChat(conn *sqlite.Conn, id int64) (*Chat, error) {
	stmt := conn.Prep(`SELECT ` + chatColumns + ` FROM Chats WHERE ChatID = $id;`)
	stmt.SetInt64("$id", id)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		return nil, nil
	}
	c := chatFromStmt(stmt, id)
	stmt.Reset()
	return c, nil
}

func FindChatByGrpID(conn *sqlite.Conn, grpID string) (*Chat, error) {
	stmt := conn.Prep(`SELECT ChatID, ` + chatColumns + ` FROM Chats WHERE GrpID = $grpID;`)
	stmt.SetText("$grpID", grpID)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		return nil, nil
	}
	c := chatFromStmt(stmt, stmt.GetInt64("ChatID"))
	stmt.Reset()
	return c, nil
}

// CreateChat inserts a new chat. If typ is Group and grpID is empty, a
// fresh one is minted (spec.md 4.4): grpid is then immutable for the
// chat's lifetime.
func CreateChat(conn *sqlite.Conn, typ ChatType, name, grpID string) (int64, error) {
	if typ == ChatTypeGroup && grpID == "" {
		grpID = dcid.NewGrpID()
	}
	stmt := conn.Prep(`INSERT INTO Chats (ChatID, Type, Name, GrpID) VALUES ($id, $type, $name, $grpID);`)
	stmt.SetText("$name", name)
	stmt.SetInt64("$type", int64(typ))
	stmt.SetText("$grpID", grpID)
	id, err := sqlitex.InsertRandID(stmt, "$id", ChatIDMin, 1<<31)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func SetChatVisibility(conn *sqlite.Conn, chatID int64, v Visibility) error {
	stmt := conn.Prep("UPDATE Chats SET Visibility = $v WHERE ChatID = $id;")
	stmt.SetInt64("$v", int64(v))
	stmt.SetInt64("$id", chatID)
	_, err := stmt.Step()
	return err
}

func SetChatMuted(conn *sqlite.Conn, chatID int64, muteUntil int64) error {
	stmt := conn.Prep("UPDATE Chats SET MuteUntil = $m WHERE ChatID = $id;")
	stmt.SetInt64("$m", muteUntil)
	stmt.SetInt64("$id", chatID)
	_, err := stmt.Step()
	return err
}

func SetChatProtected(conn *sqlite.Conn, chatID int64, p Protection) error {
	stmt := conn.Prep("UPDATE Chats SET Protected = $p WHERE ChatID = $id;")
	stmt.SetInt64("$p", int64(p))
	stmt.SetInt64("$id", chatID)
	_, err := stmt.Step()
	return err
}

// SetChatBlocked marks a chat as blocked/hidden from the chat list
// without deleting it, used by securejoin to carry handshake messages
// in a 1:1 chat the user never sees until (for a group join) they
// start using it directly (spec.md 4.11: "a hidden 1:1 chat with
// Alice so handshake messages have a carrier").
func SetChatBlocked(conn *sqlite.Conn, chatID int64, blocked bool) error {
	stmt := conn.Prep("UPDATE Chats SET Blocked = $b WHERE ChatID = $id;")
	stmt.SetBool("$b", blocked)
	stmt.SetInt64("$id", chatID)
	_, err := stmt.Step()
	return err
}

func SetChatName(conn *sqlite.Conn, chatID int64, name string) error {
	stmt := conn.Prep("UPDATE Chats SET Name = $name WHERE ChatID = $id;")
	stmt.SetText("$name", name)
	stmt.SetInt64("$id", chatID)
	_, err := stmt.Step()
	return err
}

func SetChatPromoted(conn *sqlite.Conn, chatID int64, promoted bool) error {
	stmt := conn.Prep("UPDATE Chats SET Promoted = $p WHERE ChatID = $id;")
	stmt.SetBool("$p", promoted)
	stmt.SetInt64("$id", chatID)
	_, err := stmt.Step()
	return err
}

func SetChatLocationStreaming(conn *sqlite.Conn, chatID, begin, until int64) error {
	stmt := conn.Prep(`UPDATE Chats SET LocationsSendBegin = $begin, LocationsSendUntil = $until
		WHERE ChatID = $id;`)
	stmt.SetInt64("$begin", begin)
	stmt.SetInt64("$until", until)
	stmt.SetInt64("$id", chatID)
	_, err := stmt.Step()
	return err
}

// SetChatLocationsLastSent advances the watermark a delivered message
// streamed locations up to, per spec.md 4.10 step 5 ("record the
// streamed location ids as sent"): the outgoing pipeline calls this
// with the delivered message's TimestampSort once that message is
// OutDelivered, so the next send only picks up points newer than ts.
func SetChatLocationsLastSent(conn *sqlite.Conn, chatID, ts int64) error {
	stmt := conn.Prep("UPDATE Chats SET LocationsLastSent = $ts WHERE ChatID = $id;")
	stmt.SetInt64("$ts", ts)
	stmt.SetInt64("$id", chatID)
	_, err := stmt.Step()
	return err
}

// FindOrCreateSingleChat returns the 1:1 chat with contactID, creating it if
// absent.
func FindOrCreateSingleChat(conn *sqlite.Conn, contactID int64) (int64, error) {
	stmt := conn.Prep(`SELECT Chats.ChatID FROM Chats
		INNER JOIN ChatContacts ON Chats.ChatID = ChatContacts.ChatID
		WHERE Chats.Type = $type AND ChatContacts.ContactID = $contactID;`)
	stmt.SetInt64("$type", int64(ChatTypeSingle))
	stmt.SetInt64("$contactID", contactID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if hasRow {
		id := stmt.GetInt64("ChatID")
		stmt.Reset()
		return id, nil
	}
	stmt.Reset()

	chatID, err := CreateChat(conn, ChatTypeSingle, "", "")
	if err != nil {
		return 0, err
	}
	if err := AddChatContact(conn, chatID, contactID, nowUnix()); err != nil {
		return 0, err
	}
	return chatID, nil
}
