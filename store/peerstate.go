package store

import "crawshaw.io/sqlite"

type PreferEncrypted int

const (
	PreferEncryptedNoPreference PreferEncrypted = 0
	PreferEncryptedMutual       PreferEncrypted = 1
	PreferEncryptedReset        PreferEncrypted = 20
)

type PeerState struct {
	Addr                   string
	LastSeen               int64
	LastSeenAutocrypt      int64
	PublicKey              []byte
	PublicKeyFingerprint   string
	GossipTimestamp        int64
	GossipKey              []byte
	GossipKeyFingerprint   string
	VerifiedKey            []byte
	VerifiedKeyFingerprint string
	PreferEncrypted        PreferEncrypted
}

const peerStateColumns = `LastSeen, LastSeenAutocrypt, PublicKey, PublicKeyFingerprint,
	GossipTimestamp, GossipKey, GossipKeyFingerprint, VerifiedKey, VerifiedKeyFingerprint,
	PreferEncrypted`

func peerStateFromStmt(stmt *sqlite.Stmt, addr string) *PeerState {
	return &PeerState{
		Addr:                   addr,
		LastSeen:               stmt.GetInt64("LastSeen"),
		LastSeenAutocrypt:      stmt.GetInt64("LastSeenAutocrypt"),
		PublicKey:              stmtBytes(stmt, "PublicKey"),
		PublicKeyFingerprint:   stmt.GetText("PublicKeyFingerprint"),
		GossipTimestamp:        stmt.GetInt64("GossipTimestamp"),
		GossipKey:              stmtBytes(stmt, "GossipKey"),
		GossipKeyFingerprint:   stmt.GetText("GossipKeyFingerprint"),
		VerifiedKey:            stmtBytes(stmt, "VerifiedKey"),
		VerifiedKeyFingerprint: stmt.GetText("VerifiedKeyFingerprint"),
		PreferEncrypted:        PreferEncrypted(stmt.GetInt64("PreferEncrypted")),
	}
}

func stmtBytes(stmt *sqlite.Stmt, col string) []byte {
	n := stmt.GetLen(col)
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	stmt.GetBytes(col, b)
	return b
}

func GetPeerState(conn *sqlite.Conn, addr string) (*PeerState, error) {
	stmt := conn.Prep(`SELECT ` + peerStateColumns + ` FROM PeerStates WHERE Addr = $addr;`)
	stmt.SetText("$addr", CanonicalAddr(addr))
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		return nil, nil
	}
	ps := peerStateFromStmt(stmt, addr)
	stmt.Reset()
	return ps, nil
}

// SavePeerState is a read-modify-write upsert. Per spec.md 5, the last
// writer wins and no cross-address ordering is promised: callers
// provide whatever serialization they need; no peer-state lock exists
// in this module.
func SavePeerState(conn *sqlite.Conn, ps *PeerState) error {
	stmt := conn.Prep(`INSERT INTO PeerStates (Addr, ` + peerStateColumns + `) VALUES (
		$addr, $lastSeen, $lastSeenAc, $pubKey, $pubFp, $gossipTs, $gossipKey, $gossipFp,
		$verifiedKey, $verifiedFp, $prefer)
		ON CONFLICT(Addr) DO UPDATE SET
			LastSeen=excluded.LastSeen,
			LastSeenAutocrypt=excluded.LastSeenAutocrypt,
			PublicKey=excluded.PublicKey,
			PublicKeyFingerprint=excluded.PublicKeyFingerprint,
			GossipTimestamp=excluded.GossipTimestamp,
			GossipKey=excluded.GossipKey,
			GossipKeyFingerprint=excluded.GossipKeyFingerprint,
			VerifiedKey=excluded.VerifiedKey,
			VerifiedKeyFingerprint=excluded.VerifiedKeyFingerprint,
			PreferEncrypted=excluded.PreferEncrypted;`)
	stmt.SetText("$addr", CanonicalAddr(ps.Addr))
	stmt.SetInt64("$lastSeen", ps.LastSeen)
	stmt.SetInt64("$lastSeenAc", ps.LastSeenAutocrypt)
	stmt.SetBytes("$pubKey", ps.PublicKey)
	stmt.SetText("$pubFp", ps.PublicKeyFingerprint)
	stmt.SetInt64("$gossipTs", ps.GossipTimestamp)
	stmt.SetBytes("$gossipKey", ps.GossipKey)
	stmt.SetText("$gossipFp", ps.GossipKeyFingerprint)
	stmt.SetBytes("$verifiedKey", ps.VerifiedKey)
	stmt.SetText("$verifiedFp", ps.VerifiedKeyFingerprint)
	stmt.SetInt64("$prefer", int64(ps.PreferEncrypted))
	_, err := stmt.Step()
	return err
}
