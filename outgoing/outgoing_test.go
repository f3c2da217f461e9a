package outgoing

import (
	"context"
	"os"
	"strings"
	"testing"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"

	"github.com/deltachat/dc-core-go/blobstore"
	"github.com/deltachat/dc-core-go/event"
	"github.com/deltachat/dc-core-go/smtpclient"
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

func openTestBlobs(t *testing.T) *blobstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "outgoing-blobs-")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	bs, err := blobstore.Open(dir)
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}
	return bs
}

func newTestPipeline(t *testing.T, st *store.Store) *Pipeline {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	blobs := openTestBlobs(t)
	filer := iox.NewFiler(0)
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		filer.Shutdown(ctx)
	})
	return New(st, blobs, bus, 1, filer, func() string { return selfAddr }, func() *smtpclient.Client { return nil }, nil)
}

func singleChatWith(t *testing.T, st *store.Store, addr string) int64 {
	t.Helper()
	var chatID int64
	err := st.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		contactID, _, err := store.LookupOrCreateContact(conn, addr, "", store.OriginManuallyCreated)
		if err != nil {
			return err
		}
		chatID, err = store.FindOrCreateSingleChat(conn, contactID)
		return err
	})
	if err != nil {
		t.Fatalf("singleChatWith: %v", err)
	}
	return chatID
}

func TestSendMsgPersistsPendingMessageAndJob(t *testing.T) {
	st := openTestStore(t)
	p := newTestPipeline(t, st)
	chatID := singleChatWith(t, st, "bob@example.com")

	msgID, err := p.SendMsg(context.Background(), chatID, "hello bob", SendOptions{})
	if err != nil {
		t.Fatalf("SendMsg: %v", err)
	}

	err = st.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		msg, err := store.GetMsg(conn, msgID)
		if err != nil {
			return err
		}
		if msg == nil {
			t.Fatalf("message not persisted")
		}
		if msg.State != store.MsgStateOutPending {
			t.Fatalf("State = %v, want OutPending", msg.State)
		}
		if msg.Txt != "hello bob" {
			t.Fatalf("Txt = %q", msg.Txt)
		}
		if !strings.HasPrefix(msg.Param, "f="+blobstore.Prefix) {
			t.Fatalf("Param = %q, want f=%s...", msg.Param, blobstore.Prefix)
		}
		if msg.FromID != store.ContactSelf {
			t.Fatalf("FromID = %d, want ContactSelf", msg.FromID)
		}

		n, err := store.CountJobsForThread(conn, store.ThreadSmtp)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("CountJobsForThread(Smtp) = %d, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSendMsgRejectsTrashChat(t *testing.T) {
	st := openTestStore(t)
	p := newTestPipeline(t, st)

	_, err := p.SendMsg(context.Background(), store.ChatTrash, "x", SendOptions{})
	if err == nil {
		t.Fatalf("SendMsg into the trash chat should fail validation")
	}
}

func TestSendMsgToGroupWritesChatHeaders(t *testing.T) {
	st := openTestStore(t)
	p := newTestPipeline(t, st)

	var chatID int64
	err := st.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		id, err := store.CreateChat(conn, store.ChatTypeGroup, "Friends", "")
		if err != nil {
			return err
		}
		chatID = id
		if err := store.AddChatContact(conn, chatID, store.ContactSelf, 1); err != nil {
			return err
		}
		contactID, _, err := store.LookupOrCreateContact(conn, "carol@example.com", "Carol", store.OriginManuallyCreated)
		if err != nil {
			return err
		}
		return store.AddChatContact(conn, chatID, contactID, 1)
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	msgID, err := p.SendMsg(context.Background(), chatID, "hi group", SendOptions{})
	if err != nil {
		t.Fatalf("SendMsg: %v", err)
	}

	err = st.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		chat, err := store.GetChat(conn, chatID)
		if err != nil {
			return err
		}
		if !chat.Promoted {
			t.Fatalf("sending into an unpromoted group should promote it")
		}
		msg, err := store.GetMsg(conn, msgID)
		if err != nil {
			return err
		}
		if !msg.IsDcMessage {
			t.Fatalf("group message should be marked IsDcMessage")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestResendRejectsMessageNotAuthoredLocally(t *testing.T) {
	st := openTestStore(t)
	p := newTestPipeline(t, st)
	chatID := singleChatWith(t, st, "bob@example.com")

	var foreignMsgID int64
	err := st.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		contactID, _, err := store.LookupOrCreateContact(conn, "bob@example.com", "Bob", store.OriginIncomingUnknown)
		if err != nil {
			return err
		}
		id, err := store.InsertMsg(conn, &store.Msg{
			Rfc724Mid: "incoming@x",
			ChatID:    chatID,
			FromID:    contactID,
			State:     store.MsgStateInFresh,
			Txt:       "not mine",
		})
		foreignMsgID = id
		return err
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := p.Resend(context.Background(), foreignMsgID); err == nil {
		t.Fatalf("Resend should reject a message the local user did not author")
	}
}
