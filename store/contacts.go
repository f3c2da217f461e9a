package store

import (
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// Origin is the provenance of a contact. It only ever grows for a
// given contact: a lookup that would lower the origin is a no-op.
type Origin int

const (
	OriginUnknown        Origin = 0
	OriginIncomingUnknown Origin = 100
	OriginIncomingKnown   Origin = 200
	OriginAddressBook     Origin = 300
	OriginManuallyCreated Origin = 400
	OriginVerified        Origin = 500
)

// Reserved contact IDs, per spec.md 3.
const (
	ContactSelf   int64 = 1
	ContactInfo   int64 = 2
	ContactDevice int64 = 5
	ContactIDMin  int64 = 10 // user contacts start here
)

type Contact struct {
	ID       int64
	Addr     string
	Name     string
	AuthName string
	Origin   Origin
	Blocked  bool
	LastSeen int64
	Param    string
}

// CanonicalAddr lower-cases and trims an address the way every
// lookup and insert must, so that "Bob@Example.com" and
// "bob@example.com" are always the same contact.
func CanonicalAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// LookupOrCreateContact finds a contact by address (case-insensitive),
// raising its Origin if the new origin outranks the stored one and
// refreshing AuthName whenever authName is non-empty, or creates one
// if none exists.
func LookupOrCreateContact(conn *sqlite.Conn, addr, authName string, origin Origin) (id int64, created bool, err error) {
	addr = CanonicalAddr(addr)

	stmt := conn.Prep("SELECT ContactID, Origin FROM Contacts WHERE Addr = $addr;")
	stmt.SetText("$addr", addr)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if hasRow {
		id = stmt.GetInt64("ContactID")
		curOrigin := Origin(stmt.GetInt64("Origin"))
		stmt.Reset()

		if origin > curOrigin {
			upd := conn.Prep("UPDATE Contacts SET Origin = $origin WHERE ContactID = $id;")
			upd.SetInt64("$origin", int64(origin))
			upd.SetInt64("$id", id)
			if _, err := upd.Step(); err != nil {
				return 0, false, err
			}
		}
		if authName != "" {
			upd := conn.Prep("UPDATE Contacts SET AuthName = $authName WHERE ContactID = $id;")
			upd.SetText("$authName", authName)
			upd.SetInt64("$id", id)
			if _, err := upd.Step(); err != nil {
				return 0, false, err
			}
		}
		return id, false, nil
	}
	stmt.Reset()

	ins := conn.Prep(`INSERT INTO Contacts (ContactID, Addr, Name, AuthName, Origin, LastSeen)
		VALUES ($id, $addr, '', $authName, $origin, $lastSeen);`)
	ins.SetText("$addr", addr)
	ins.SetText("$authName", authName)
	ins.SetInt64("$origin", int64(origin))
	ins.SetInt64("$lastSeen", time.Now().Unix())
	id, err = sqlitex.InsertRandID(ins, "$id", ContactIDMin, 1<<31)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func GetContact(conn *sqlite.Conn, id int64) (*Contact, error) {
	stmt := conn.Prep(`SELECT Addr, Name, AuthName, Origin, Blocked, LastSeen, Param
		FROM Contacts WHERE ContactID = $id;`)
	stmt.SetInt64("$id", id)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		return nil, nil
	}
	c := &Contact{
		ID:       id,
		Addr:     stmt.GetText("Addr"),
		Name:     stmt.GetText("Name"),
		AuthName: stmt.GetText("AuthName"),
		Origin:   Origin(stmt.GetInt64("Origin")),
		Blocked:  stmt.GetInt64("Blocked") != 0,
		LastSeen: stmt.GetInt64("LastSeen"),
		Param:    stmt.GetText("Param"),
	}
	stmt.Reset()
	return c, nil
}

func FindContactByAddr(conn *sqlite.Conn, addr string) (id int64, found bool, err error) {
	stmt := conn.Prep("SELECT ContactID FROM Contacts WHERE Addr = $addr;")
	stmt.SetText("$addr", CanonicalAddr(addr))
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if !hasRow {
		return 0, false, nil
	}
	id = stmt.GetInt64("ContactID")
	stmt.Reset()
	return id, true, nil
}

func SetContactName(conn *sqlite.Conn, id int64, name string) error {
	stmt := conn.Prep("UPDATE Contacts SET Name = $name WHERE ContactID = $id;")
	stmt.SetText("$name", name)
	stmt.SetInt64("$id", id)
	_, err := stmt.Step()
	return err
}

func SetContactBlocked(conn *sqlite.Conn, id int64, blocked bool) error {
	stmt := conn.Prep("UPDATE Contacts SET Blocked = $blocked WHERE ContactID = $id;")
	stmt.SetBool("$blocked", blocked)
	stmt.SetInt64("$id", id)
	_, err := stmt.Step()
	return err
}

// DisplayName prefers the user-chosen Name, falling back to the
// peer-reported AuthName, then the address's local part. AuthName
// must never be surfaced in outgoing group updates (spec.md 3); this
// helper is for local display only.
func (c *Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.AuthName != "" {
		return c.AuthName
	}
	if i := strings.IndexByte(c.Addr, '@'); i > 0 {
		return c.Addr[:i]
	}
	return c.Addr
}
