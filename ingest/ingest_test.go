package ingest

import (
	"context"
	"strings"
	"testing"

	"crawshaw.io/sqlite"

	"github.com/deltachat/dc-core-go/event"
	"github.com/deltachat/dc-core-go/store"
)

const selfAddr = "me@example.com"

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestIngester(t *testing.T, st *store.Store) *Ingester {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	return New(st, bus, 1, func() string { return selfAddr }, nil)
}

func raw(headers map[string]string, body string) []byte {
	var b strings.Builder
	for k, v := range headers {
		b.WriteString(k + ": " + v + "\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func getMsg(t *testing.T, st *store.Store, rfc724Mid, folder string) *store.Msg {
	t.Helper()
	var m *store.Msg
	err := st.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		id, ok, err := store.FindMsgByRfc724Mid(conn, rfc724Mid, folder)
		if err != nil || !ok {
			return err
		}
		m, err = store.GetMsg(conn, id)
		return err
	})
	if err != nil {
		t.Fatalf("getMsg: %v", err)
	}
	return m
}

func TestAcceptCreatesSingleChat(t *testing.T) {
	st := openTestStore(t)
	g := newTestIngester(t, st)

	body := raw(map[string]string{
		"Message-Id": "<m1@x>",
		"From":       "Bob <bob@example.com>",
		"To":         selfAddr,
		"Date":       "Thu, 30 Jul 2026 10:00:00 +0000",
	}, "hello there")

	if err := g.Accept(context.Background(), "INBOX", 1, nil, body); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	m := getMsg(t, st, "m1@x", "INBOX")
	if m == nil {
		t.Fatalf("message not persisted")
	}
	if m.Txt != "hello there" {
		t.Fatalf("Txt = %q, want %q", m.Txt, "hello there")
	}
	if m.State != store.MsgStateInFresh {
		t.Fatalf("State = %v, want InFresh", m.State)
	}

	err := st.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		chat, err := store.GetChat(conn, m.ChatID)
		if err != nil {
			return err
		}
		if chat.Type != store.ChatTypeSingle {
			t.Fatalf("chat type = %v, want Single", chat.Type)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithConn: %v", err)
	}
}

func TestAcceptDeduplicatesByMessageID(t *testing.T) {
	st := openTestStore(t)
	g := newTestIngester(t, st)

	body := raw(map[string]string{
		"Message-Id": "<dup@x>",
		"From":       "bob@example.com",
		"To":         selfAddr,
	}, "first")

	if err := g.Accept(context.Background(), "INBOX", 1, nil, body); err != nil {
		t.Fatalf("Accept 1: %v", err)
	}
	if err := g.Accept(context.Background(), "INBOX", 2, nil, body); err != nil {
		t.Fatalf("Accept 2: %v", err)
	}

	m := getMsg(t, st, "dup@x", "INBOX")
	if m == nil {
		t.Fatalf("message missing")
	}
	if m.ServerUID != 2 {
		t.Fatalf("ServerUID = %d, want 2 (location updated on redelivery)", m.ServerUID)
	}
}

func TestAcceptCreatesGroupChatFromGroupID(t *testing.T) {
	st := openTestStore(t)
	g := newTestIngester(t, st)

	body := raw(map[string]string{
		"Message-Id":    "<g1@x>",
		"From":          "Bob <bob@example.com>",
		"To":            selfAddr + ", carol@example.com",
		"Chat-Version":  "1.0",
		"Chat-Group-Id": "grp123",
		"Chat-Group-Name": "Friends",
	}, "hi group")

	if err := g.Accept(context.Background(), "INBOX", 1, nil, body); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	m := getMsg(t, st, "g1@x", "INBOX")
	if m == nil {
		t.Fatalf("message missing")
	}

	err := st.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		chat, err := store.GetChat(conn, m.ChatID)
		if err != nil {
			return err
		}
		if chat.Type != store.ChatTypeGroup || chat.GrpID != "grp123" {
			t.Fatalf("unexpected chat: %+v", chat)
		}
		if !chat.Promoted {
			t.Fatalf("receiving a group message should promote the chat locally")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithConn: %v", err)
	}
}

func TestAcceptGroupReplyInheritsChatViaReferences(t *testing.T) {
	st := openTestStore(t)
	g := newTestIngester(t, st)

	first := raw(map[string]string{
		"Message-Id":      "<g2@x>",
		"From":            "Bob <bob@example.com>",
		"To":              selfAddr,
		"Chat-Version":    "1.0",
		"Chat-Group-Id":   "grp999",
		"Chat-Group-Name": "Team",
	}, "welcome")
	if err := g.Accept(context.Background(), "INBOX", 1, nil, first); err != nil {
		t.Fatalf("Accept first: %v", err)
	}

	reply := raw(map[string]string{
		"Message-Id": "<g3@x>",
		"From":       "Bob <bob@example.com>",
		"To":         selfAddr,
		"References": "<g2@x>",
		"In-Reply-To": "<g2@x>",
	}, "reply without group headers")
	if err := g.Accept(context.Background(), "INBOX", 2, nil, reply); err != nil {
		t.Fatalf("Accept reply: %v", err)
	}

	first1 := getMsg(t, st, "g2@x", "INBOX")
	second := getMsg(t, st, "g3@x", "INBOX")
	if first1 == nil || second == nil {
		t.Fatalf("messages missing")
	}
	if first1.ChatID != second.ChatID {
		t.Fatalf("reply landed in a different chat: %d != %d", first1.ChatID, second.ChatID)
	}
}

func TestPrecheckReportsKnownMessageID(t *testing.T) {
	st := openTestStore(t)
	g := newTestIngester(t, st)

	body := raw(map[string]string{
		"Message-Id": "<pc@x>",
		"From":       "bob@example.com",
		"To":         selfAddr,
	}, "body")
	if err := g.Accept(context.Background(), "INBOX", 1, nil, body); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	have, err := g.Precheck(context.Background(), "pc@x")
	if err != nil {
		t.Fatalf("Precheck: %v", err)
	}
	if !have {
		t.Fatalf("Precheck should report the message as already known")
	}

	have, err = g.Precheck(context.Background(), "unknown@x")
	if err != nil {
		t.Fatalf("Precheck: %v", err)
	}
	if have {
		t.Fatalf("Precheck should report an unseen Message-ID as not known")
	}
}
