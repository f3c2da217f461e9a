package store

import (
	"crawshaw.io/sqlite"
)

// AddChatContact adds contactID to chatID's current membership with
// addTimestamp, following spec.md invariant I1: a contact may be in
// ChatContacts and PastChatContacts simultaneously only if the
// tombstone's RemoveTimestamp predates this AddTimestamp.
func AddChatContact(conn *sqlite.Conn, chatID, contactID, addTimestamp int64) error {
	stmt := conn.Prep(`INSERT INTO ChatContacts (ChatID, ContactID, AddTimestamp)
		VALUES ($chatID, $contactID, $addTimestamp)
		ON CONFLICT(ChatID, ContactID) DO UPDATE SET AddTimestamp=excluded.AddTimestamp;`)
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$contactID", contactID)
	stmt.SetInt64("$addTimestamp", addTimestamp)
	_, err := stmt.Step()
	return err
}

// RemoveChatContact removes contactID from chatID's current membership.
// It does not create a tombstone; callers that need one (promoted
// groups, per spec.md 4.9) must call AddTombstone separately.
func RemoveChatContact(conn *sqlite.Conn, chatID, contactID int64) error {
	stmt := conn.Prep("DELETE FROM ChatContacts WHERE ChatID = $chatID AND ContactID = $contactID;")
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$contactID", contactID)
	_, err := stmt.Step()
	return err
}

func IsChatMember(conn *sqlite.Conn, chatID, contactID int64) (bool, int64, error) {
	stmt := conn.Prep(`SELECT AddTimestamp FROM ChatContacts WHERE ChatID = $chatID AND ContactID = $contactID;`)
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$contactID", contactID)
	hasRow, err := stmt.Step()
	if err != nil {
		return false, 0, err
	}
	if !hasRow {
		return false, 0, nil
	}
	ts := stmt.GetInt64("AddTimestamp")
	stmt.Reset()
	return true, ts, nil
}

func ChatMembers(conn *sqlite.Conn, chatID int64) ([]int64, error) {
	stmt := conn.Prep("SELECT ContactID FROM ChatContacts WHERE ChatID = $chatID ORDER BY ContactID;")
	stmt.SetInt64("$chatID", chatID)
	var members []int64
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		members = append(members, stmt.GetInt64("ContactID"))
	}
	return members, nil
}

// AddTombstone records that contactID was removed from chatID at
// removeTimestamp, only if no newer tombstone already exists for that
// pair (tombstone timestamps must advance monotonically, spec.md 3).
func AddTombstone(conn *sqlite.Conn, chatID, contactID, removeTimestamp int64) error {
	stmt := conn.Prep(`SELECT RemoveTimestamp FROM PastChatContacts WHERE ChatID = $chatID AND ContactID = $contactID;`)
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$contactID", contactID)
	hasRow, err := stmt.Step()
	if err != nil {
		return err
	}
	var existing int64
	if hasRow {
		existing = stmt.GetInt64("RemoveTimestamp")
	}
	stmt.Reset()

	if hasRow && existing >= removeTimestamp {
		return nil
	}

	ins := conn.Prep(`INSERT INTO PastChatContacts (ChatID, ContactID, RemoveTimestamp)
		VALUES ($chatID, $contactID, $removeTimestamp)
		ON CONFLICT(ChatID, ContactID) DO UPDATE SET RemoveTimestamp=excluded.RemoveTimestamp;`)
	ins.SetInt64("$chatID", chatID)
	ins.SetInt64("$contactID", contactID)
	ins.SetInt64("$removeTimestamp", removeTimestamp)
	_, err = ins.Step()
	return err
}

// TombstoneRemoveTimestamp returns the tombstone's RemoveTimestamp for
// (chatID, contactID), and whether one exists.
func TombstoneRemoveTimestamp(conn *sqlite.Conn, chatID, contactID int64) (int64, bool, error) {
	stmt := conn.Prep(`SELECT RemoveTimestamp FROM PastChatContacts WHERE ChatID = $chatID AND ContactID = $contactID;`)
	stmt.SetInt64("$chatID", chatID)
	stmt.SetInt64("$contactID", contactID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if !hasRow {
		return 0, false, nil
	}
	ts := stmt.GetInt64("RemoveTimestamp")
	stmt.Reset()
	return ts, true, nil
}

func PastMembers(conn *sqlite.Conn, chatID int64) (map[int64]int64, error) {
	stmt := conn.Prep("SELECT ContactID, RemoveTimestamp FROM PastChatContacts WHERE ChatID = $chatID;")
	stmt.SetInt64("$chatID", chatID)
	out := make(map[int64]int64)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		out[stmt.GetInt64("ContactID")] = stmt.GetInt64("RemoveTimestamp")
	}
	return out, nil
}

// PruneTombstones deletes past-member rows whose RemoveTimestamp is
// older than cutoff (spec.md 4.9: tombstones are pruned 60 days after
// removal). Returns the number of rows removed.
func PruneTombstones(conn *sqlite.Conn, cutoff int64) (int, error) {
	stmt := conn.Prep("DELETE FROM PastChatContacts WHERE RemoveTimestamp < $cutoff;")
	stmt.SetInt64("$cutoff", cutoff)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.Changes(), nil
}
