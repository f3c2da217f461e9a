package store

import (
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

type Keypair struct {
	ID         int64
	Addr       string
	IsDefault  bool
	PublicKey  []byte
	PrivateKey []byte
	Created    int64
}

// AddKeypair inserts a new keypair for addr. If makeDefault, every
// other keypair for addr is demoted first, keeping exactly one default
// per address.
func AddKeypair(conn *sqlite.Conn, addr string, public, private []byte, makeDefault bool) (int64, error) {
	if makeDefault {
		upd := conn.Prep("UPDATE Keypairs SET IsDefault = FALSE WHERE Addr = $addr;")
		upd.SetText("$addr", addr)
		if _, err := upd.Step(); err != nil {
			return 0, err
		}
	}
	stmt := conn.Prep(`INSERT INTO Keypairs (Addr, IsDefault, PublicKey, PrivateKey, Created)
		VALUES ($addr, $isDefault, $pub, $priv, $created);`)
	stmt.SetText("$addr", addr)
	stmt.SetBool("$isDefault", makeDefault)
	stmt.SetBytes("$pub", public)
	stmt.SetBytes("$priv", private)
	stmt.SetInt64("$created", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.LastInsertRowID(), nil
}

// DefaultKeypair returns the default keypair for addr, or nil if none
// has been generated yet.
func DefaultKeypair(conn *sqlite.Conn, addr string) (*Keypair, error) {
	stmt := conn.Prep(`SELECT KeypairID, PublicKey, PrivateKey, Created FROM Keypairs
		WHERE Addr = $addr AND IsDefault = TRUE LIMIT 1;`)
	stmt.SetText("$addr", addr)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		return nil, nil
	}
	kp := &Keypair{
		ID:         stmt.GetInt64("KeypairID"),
		Addr:       addr,
		IsDefault:  true,
		PublicKey:  stmtBytes(stmt, "PublicKey"),
		PrivateKey: stmtBytes(stmt, "PrivateKey"),
		Created:    stmt.GetInt64("Created"),
	}
	stmt.Reset()
	return kp, nil
}

// HistoricalKeypairs returns every non-default keypair ever generated
// for addr, newest first, so that messages encrypted to an old key can
// still be decrypted after key rotation.
func HistoricalKeypairs(conn *sqlite.Conn, addr string) ([]*Keypair, error) {
	stmt := conn.Prep(`SELECT KeypairID, PublicKey, PrivateKey, Created FROM Keypairs
		WHERE Addr = $addr AND IsDefault = FALSE ORDER BY Created DESC;`)
	stmt.SetText("$addr", addr)
	var out []*Keypair
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		out = append(out, &Keypair{
			ID:         stmt.GetInt64("KeypairID"),
			Addr:       addr,
			PublicKey:  stmtBytes(stmt, "PublicKey"),
			PrivateKey: stmtBytes(stmt, "PrivateKey"),
			Created:    stmt.GetInt64("Created"),
		})
	}
	return out, nil
}

func CountKeypairs(conn *sqlite.Conn) (int64, error) {
	return sqlitex.ResultInt64(conn.Prep("SELECT COUNT(*) FROM Keypairs;"))
}
