package store

import (
	"context"
	"testing"
	"time"

	"crawshaw.io/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		if err := SetConfig(conn, "displayname", "Alice"); err != nil {
			return err
		}
		v, ok, err := GetConfig(conn, "displayname")
		if err != nil {
			return err
		}
		if !ok || v != "Alice" {
			t.Fatalf("GetConfig = %q, %v; want Alice, true", v, ok)
		}
		if err := SetConfigInt(conn, "e2ee_enabled", 1); err != nil {
			return err
		}
		n, err := GetConfigInt(conn, "e2ee_enabled", 0)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("GetConfigInt = %d, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestContactLookupOrCreate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		id1, created1, err := LookupOrCreateContact(conn, "Bob@Example.com", "Bob Example", OriginIncomingUnknown)
		if err != nil {
			return err
		}
		if !created1 {
			t.Fatal("expected first lookup to create the contact")
		}

		id2, created2, err := LookupOrCreateContact(conn, "bob@example.com", "", OriginIncomingKnown)
		if err != nil {
			return err
		}
		if created2 {
			t.Fatal("expected second lookup to find existing contact")
		}
		if id1 != id2 {
			t.Fatalf("case-insensitive lookup returned different ids: %d != %d", id1, id2)
		}

		c, err := GetContact(conn, id1)
		if err != nil {
			return err
		}
		if c.Origin != OriginIncomingKnown {
			t.Fatalf("origin did not advance monotonically: got %v", c.Origin)
		}
		if c.Addr != "bob@example.com" {
			t.Fatalf("addr not canonicalized: %q", c.Addr)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMsgStateMonotone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		chatID, err := CreateChat(conn, ChatTypeSingle, "", "")
		if err != nil {
			return err
		}
		id, err := InsertMsg(conn, &Msg{
			Rfc724Mid:     "abc@localhost",
			ChatID:        chatID,
			FromID:        ContactSelf,
			TimestampSort: time.Now().Unix(),
			State:         MsgStateOutPending,
		})
		if err != nil {
			return err
		}
		if err := SetMsgState(conn, id, MsgStateOutDelivered); err != nil {
			return err
		}
		if err := SetMsgState(conn, id, MsgStateOutPending); err == nil {
			t.Fatal("expected regression from OutDelivered to OutPending to fail")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTombstonePruning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		chatID, err := CreateChat(conn, ChatTypeGroup, "g", "")
		if err != nil {
			return err
		}
		old := time.Now().Add(-61 * 24 * time.Hour).Unix()
		if err := AddTombstone(conn, chatID, 42, old); err != nil {
			return err
		}
		cutoff := time.Now().Add(-60 * 24 * time.Hour).Unix()
		n, err := PruneTombstones(conn, cutoff)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("PruneTombstones removed %d rows, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
