package store

import (
	"errors"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

type MsgState int

// Monotone state sequence, per spec.md 3: a message never regresses
// except by an explicit resend, which enqueues a fresh job rather than
// moving an existing message backwards.
const (
	MsgStateInFresh       MsgState = 10
	MsgStateInNoticed     MsgState = 13
	MsgStateInSeen        MsgState = 16
	MsgStateOutPreparing  MsgState = 18
	MsgStateOutDraft      MsgState = 19
	MsgStateOutPending    MsgState = 20
	MsgStateOutDelivered  MsgState = 26
	MsgStateOutMdnReceived MsgState = 28
	MsgStateOutFailed     MsgState = 24
)

// monotoneRank orders states for the "never regresses" invariant (I2);
// OutFailed is a terminal sibling of OutDelivered, not ordered before
// it, so it is given a rank just under OutDelivered.
func (s MsgState) monotoneRank() int {
	switch s {
	case MsgStateInFresh:
		return 0
	case MsgStateInNoticed:
		return 1
	case MsgStateInSeen:
		return 2
	case MsgStateOutPreparing:
		return 3
	case MsgStateOutDraft:
		return 4
	case MsgStateOutPending:
		return 5
	case MsgStateOutFailed:
		return 6
	case MsgStateOutDelivered:
		return 7
	case MsgStateOutMdnReceived:
		return 8
	default:
		return -1
	}
}

// CanTransition reports whether moving from 'from' to 'to' respects
// the monotone ordering, except that OutFailed and OutDelivered may
// each be reached directly from OutPending without passing the other.
func CanTransition(from, to MsgState) bool {
	if from == MsgStateOutPending && (to == MsgStateOutFailed || to == MsgStateOutDelivered) {
		return true
	}
	return to.monotoneRank() >= from.monotoneRank()
}

type ViewType int

const (
	ViewTypeUnknown ViewType = 0
	ViewTypeText    ViewType = 10
	ViewTypeImage   ViewType = 20
	ViewTypeGif     ViewType = 21
	ViewTypeSticker ViewType = 23
	ViewTypeAudio   ViewType = 40
	ViewTypeVoice   ViewType = 41
	ViewTypeVideo   ViewType = 50
	ViewTypeFile    ViewType = 60
	ViewTypeVideochatInvitation ViewType = 70
	ViewTypeWebxdc  ViewType = 80
	ViewTypeVcard   ViewType = 90
)

type MoveState int

const (
	MoveStateUndefined MoveState = 0
	MoveStateMoving    MoveState = 1
	MoveStateMoved     MoveState = 2
	MoveStateFailed    MoveState = 3
)

type Msg struct {
	ID             int64
	Rfc724Mid      string
	ServerFolder   string
	ServerUID      uint32
	ChatID         int64
	FromID         int64
	ToID           int64
	TimestampSort  int64
	TimestampSent  int64
	TimestampRcvd  int64
	Type           ViewType
	State          MsgState
	IsDcMessage    bool
	Hidden         bool
	Bytes          int64
	Txt            string
	MimeHeaders    []byte
	MimeInReplyTo  string
	MimeReferences string
	Param          string
	MoveState      MoveState
	LocationID     int64
}

const msgColumns = `Rfc724Mid, ServerFolder, ServerUID, ChatID, FromID, ToID, TimestampSort,
	TimestampSent, TimestampRcvd, Type, State, IsDcMessage, Hidden, Bytes, Txt,
	MimeHeaders, MimeInReplyTo, MimeReferences, Param, MoveState, LocationID`

func msgFromStmt(stmt *sqlite.Stmt, id int64) *Msg {
	return &Msg{
		ID:             id,
		Rfc724Mid:      stmt.GetText("Rfc724Mid"),
		ServerFolder:   stmt.GetText("ServerFolder"),
		ServerUID:      uint32(stmt.GetInt64("ServerUID")),
		ChatID:         stmt.GetInt64("ChatID"),
		FromID:         stmt.GetInt64("FromID"),
		ToID:           stmt.GetInt64("ToID"),
		TimestampSort:  stmt.GetInt64("TimestampSort"),
		TimestampSent:  stmt.GetInt64("TimestampSent"),
		TimestampRcvd:  stmt.GetInt64("TimestampRcvd"),
		Type:           ViewType(stmt.GetInt64("Type")),
		State:          MsgState(stmt.GetInt64("State")),
		IsDcMessage:    stmt.GetInt64("IsDcMessage") != 0,
		Hidden:         stmt.GetInt64("Hidden") != 0,
		Bytes:          stmt.GetInt64("Bytes"),
		Txt:            stmt.GetText("Txt"),
		MimeInReplyTo:  stmt.GetText("MimeInReplyTo"),
		MimeReferences: stmt.GetText("MimeReferences"),
		Param:          stmt.GetText("Param"),
		MoveState:      MoveState(stmt.GetInt64("MoveState")),
		LocationID:     stmt.GetInt64("LocationID"),
	}
}

// FindMsgByRfc724Mid implements the dedup rule of spec.md 4.8 step 2:
// duplicates are detected by (rfc724_mid, folder).
func FindMsgByRfc724Mid(conn *sqlite.Conn, rfc724Mid, folder string) (int64, bool, error) {
	stmt := conn.Prep(`SELECT MsgID FROM Msgs WHERE Rfc724Mid = $mid AND ServerFolder = $folder;`)
	stmt.SetText("$mid", rfc724Mid)
	stmt.SetText("$folder", folder)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if !hasRow {
		return 0, false, nil
	}
	id := stmt.GetInt64("MsgID")
	stmt.Reset()
	return id, true, nil
}

// AnyFolderHasRfc724Mid checks whether the Message-ID exists in any
// folder at all, used by the inbox worker's precheck (spec.md 4.5):
// if we already have the message, skip the body fetch but still
// advance last_seen_uid.
func AnyFolderHasRfc724Mid(conn *sqlite.Conn, rfc724Mid string) (bool, error) {
	stmt := conn.Prep(`SELECT 1 FROM Msgs WHERE Rfc724Mid = $mid LIMIT 1;`)
	stmt.SetText("$mid", rfc724Mid)
	hasRow, err := stmt.Step()
	stmt.Reset()
	return hasRow, err
}

// FindChatIDByRfc724Mid looks up the chat a message with the given
// Message-ID belongs to, used by ingest's References/In-Reply-To
// fallback chat assignment (spec.md 4.8 step 3): a group reply whose
// Chat-Group-ID got stripped by a relaying gateway still lands in the
// right chat if it references a message we've already stored there.
func FindChatIDByRfc724Mid(conn *sqlite.Conn, rfc724Mid string) (int64, bool, error) {
	stmt := conn.Prep(`SELECT ChatID FROM Msgs WHERE Rfc724Mid = $mid LIMIT 1;`)
	stmt.SetText("$mid", rfc724Mid)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if !hasRow {
		return 0, false, nil
	}
	id := stmt.GetInt64("ChatID")
	stmt.Reset()
	return id, true, nil
}

func InsertMsg(conn *sqlite.Conn, m *Msg) (int64, error) {
	stmt := conn.Prep(`INSERT INTO Msgs (MsgID, ` + msgColumns + `) VALUES (
		$id, $mid, $folder, $uid, $chatID, $fromID, $toID, $tsSort, $tsSent, $tsRcvd,
		$type, $state, $isDc, $hidden, $bytes, $txt, $mimeHeaders, $inReplyTo, $refs,
		$param, $moveState, $locationID);`)
	stmt.SetText("$mid", m.Rfc724Mid)
	stmt.SetText("$folder", m.ServerFolder)
	stmt.SetInt64("$uid", int64(m.ServerUID))
	stmt.SetInt64("$chatID", m.ChatID)
	stmt.SetInt64("$fromID", m.FromID)
	stmt.SetInt64("$toID", m.ToID)
	stmt.SetInt64("$tsSort", m.TimestampSort)
	stmt.SetInt64("$tsSent", m.TimestampSent)
	stmt.SetInt64("$tsRcvd", m.TimestampRcvd)
	stmt.SetInt64("$type", int64(m.Type))
	stmt.SetInt64("$state", int64(m.State))
	stmt.SetBool("$isDc", m.IsDcMessage)
	stmt.SetBool("$hidden", m.Hidden)
	stmt.SetInt64("$bytes", m.Bytes)
	stmt.SetText("$txt", m.Txt)
	stmt.SetBytes("$mimeHeaders", m.MimeHeaders)
	stmt.SetText("$inReplyTo", m.MimeInReplyTo)
	stmt.SetText("$refs", m.MimeReferences)
	stmt.SetText("$param", m.Param)
	stmt.SetInt64("$moveState", int64(m.MoveState))
	stmt.SetInt64("$locationID", m.LocationID)
	id, err := sqlitex.InsertRandID(stmt, "$id", 1, 1<<31)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func GetMsg(conn *sqlite.Conn, id int64) (*Msg, error) {
	stmt := conn.Prep(`SELECT ` + msgColumns + ` FROM Msgs WHERE MsgID = $id;`)
	stmt.SetInt64("$id", id)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		return nil, nil
	}
	m := msgFromStmt(stmt, id)
	stmt.Reset()
	return m, nil
}

// UpdateMsgServerLocation updates (server_folder, server_uid) for an
// existing message row, used when a duplicate delivery of an
// already-known rfc724_mid shows up in a different folder (spec.md
// 4.8 step 2).
func UpdateMsgServerLocation(conn *sqlite.Conn, id int64, folder string, uid uint32) error {
	stmt := conn.Prep("UPDATE Msgs SET ServerFolder = $folder, ServerUID = $uid WHERE MsgID = $id;")
	stmt.SetText("$folder", folder)
	stmt.SetInt64("$uid", int64(uid))
	stmt.SetInt64("$id", id)
	_, err := stmt.Step()
	return err
}

// SetMsgState transitions a message to newState, enforcing the
// monotone-ordering invariant I2. Returns an error rather than
// silently clamping, so callers (and tests asserting I2) see the
// violation.
func SetMsgState(conn *sqlite.Conn, id int64, newState MsgState) error {
	stmt := conn.Prep("SELECT State FROM Msgs WHERE MsgID = $id;")
	stmt.SetInt64("$id", id)
	hasRow, err := stmt.Step()
	if err != nil {
		return err
	}
	if !hasRow {
		stmt.Reset()
		return errors.New("store: SetMsgState: no such message")
	}
	cur := MsgState(stmt.GetInt64("State"))
	stmt.Reset()

	if !CanTransition(cur, newState) {
		return &stateRegressionError{from: cur, to: newState}
	}

	upd := conn.Prep("UPDATE Msgs SET State = $state WHERE MsgID = $id;")
	upd.SetInt64("$state", int64(newState))
	upd.SetInt64("$id", id)
	_, err = upd.Step()
	return err
}

type stateRegressionError struct {
	from, to MsgState
}

func (e *stateRegressionError) Error() string {
	return "store: illegal message state transition"
}

func SetMsgMoveState(conn *sqlite.Conn, id int64, ms MoveState) error {
	stmt := conn.Prep("UPDATE Msgs SET MoveState = $ms WHERE MsgID = $id;")
	stmt.SetInt64("$ms", int64(ms))
	stmt.SetInt64("$id", id)
	_, err := stmt.Step()
	return err
}

// PruneTrashedMessages deletes hidden or trashed messages with
// ServerUID = 0 (spec.md 4.12: housekeeping prunes locally-deleted
// tombstone messages that never had a server copy, or whose server
// copy is already gone).
func PruneTrashedMessages(conn *sqlite.Conn) (int, error) {
	stmt := conn.Prep(`DELETE FROM Msgs WHERE (ChatID = $trash OR Hidden <> 0) AND ServerUID = 0;`)
	stmt.SetInt64("$trash", ChatTrash)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.Changes(), nil
}

// ChatMsgs returns message IDs for a chat, oldest first.
func ChatMsgs(conn *sqlite.Conn, chatID int64, limit int) ([]int64, error) {
	stmt := conn.Prep(`SELECT MsgID FROM Msgs WHERE ChatID = $chatID ORDER BY TimestampSort LIMIT $limit;`)
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$limit", int64(limit))
	var ids []int64
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		ids = append(ids, stmt.GetInt64("MsgID"))
	}
	return ids, nil
}
