package store

import (
	"time"

	"crawshaw.io/sqlite"

	"github.com/deltachat/dc-core-go/dcid"
)

// Token namespaces, used by securejoin to issue and validate the
// invitenumber/auth tokens embedded in a QR invite (spec.md 4.11, 6).
const (
	TokenNamespaceInvitenumber = "invitenumber"
	TokenNamespaceAuth         = "auth"
)

// NewToken mints and persists a fresh token in namespace ns for
// foreignID (a chat ID, or 0 for a setup-contact/1:1 invite).
func NewToken(conn *sqlite.Conn, ns string, foreignID int64) (string, error) {
	token := dcid.New()
	stmt := conn.Prep(`INSERT INTO Tokens (Namespace, ForeignID, Token, Created) VALUES ($ns, $id, $token, $created);`)
	stmt.SetText("$ns", ns)
	stmt.SetInt64("$id", foreignID)
	stmt.SetText("$token", token)
	stmt.SetInt64("$created", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		return "", err
	}
	return token, nil
}

// ValidToken reports whether token exists in namespace ns, and for
// which foreignID.
func ValidToken(conn *sqlite.Conn, ns, token string) (foreignID int64, ok bool, err error) {
	stmt := conn.Prep(`SELECT ForeignID FROM Tokens WHERE Namespace = $ns AND Token = $token;`)
	stmt.SetText("$ns", ns)
	stmt.SetText("$token", token)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, err
	}
	if !hasRow {
		return 0, false, nil
	}
	foreignID = stmt.GetInt64("ForeignID")
	stmt.Reset()
	return foreignID, true, nil
}
