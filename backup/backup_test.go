package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crawshaw.io/sqlite"
	"golang.org/x/crypto/openpgp"

	"github.com/deltachat/dc-core-go/blobstore"
	"github.com/deltachat/dc-core-go/store"
)

func openTestAccount(t *testing.T) (*store.Store, *blobstore.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "dc.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bs, err := blobstore.Open(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}
	return st, bs
}

func withConn(t *testing.T, st *store.Store, fn func(conn *sqlite.Conn) error) {
	t.Helper()
	ctx := context.Background()
	if err := st.WithConn(ctx, fn); err != nil {
		t.Fatal(err)
	}
}

// TestExportImportRoundTrip exercises spec.md 8 law R3: exporting and
// re-importing a backup yields a context whose chats, contacts, and
// messages equal the originals.
func TestExportImportRoundTrip(t *testing.T) {
	srcStore, srcBlobs := openTestAccount(t)

	var contactID, chatID, msgID int64
	withConn(t, srcStore, func(conn *sqlite.Conn) error {
		var err error
		contactID, _, err = store.LookupOrCreateContact(conn, "bob@example.com", "Bob", store.OriginManuallyCreated)
		if err != nil {
			return err
		}
		chatID, err = store.CreateChat(conn, store.ChatTypeSingle, "", "")
		if err != nil {
			return err
		}
		if err := store.AddChatContact(conn, chatID, contactID, 1000); err != nil {
			return err
		}
		msgID, err = store.InsertMsg(conn, &store.Msg{
			Rfc724Mid:     "abc@example.com",
			ChatID:        chatID,
			FromID:        store.ContactSelf,
			Type:          store.ViewTypeText,
			State:         store.MsgStateOutDelivered,
			Txt:           "hello from the original account",
			TimestampSort: 1000,
			TimestampSent: 1000,
		})
		return err
	})

	relPath, _, err := srcBlobs.Create(strings.NewReader("attachment bytes"), ".txt")
	if err != nil {
		t.Fatalf("blobs.Create: %v", err)
	}

	archivePath := filepath.Join(t.TempDir(), "export.tar.gz")
	withConn(t, srcStore, func(conn *sqlite.Conn) error {
		return Export(conn, srcBlobs, archivePath, Options{}, nil)
	})

	if _, err := os.Stat(archivePath); err != nil {
		t.Fatalf("archive not written: %v", err)
	}

	dstStore, dstBlobs := openTestAccount(t)
	withConn(t, dstStore, func(conn *sqlite.Conn) error {
		return Import(conn, dstBlobs, archivePath, Options{})
	})

	withConn(t, dstStore, func(conn *sqlite.Conn) error {
		c, err := store.GetContact(conn, contactID)
		if err != nil {
			return err
		}
		if c == nil || c.Addr != "bob@example.com" {
			t.Fatalf("contact not restored: %+v", c)
		}
		chat, err := store.GetChat(conn, chatID)
		if err != nil {
			return err
		}
		if chat == nil {
			t.Fatalf("chat not restored")
		}
		msg, err := store.GetMsg(conn, msgID)
		if err != nil {
			return err
		}
		if msg == nil || msg.Txt != "hello from the original account" {
			t.Fatalf("message not restored: %+v", msg)
		}
		return nil
	})

	restoredBlob := dstBlobs.Resolve(relPath)
	if _, err := os.Stat(restoredBlob); err != nil {
		t.Fatalf("blob not restored: %v", err)
	}
}

func TestExportImportEncrypted(t *testing.T) {
	srcStore, srcBlobs := openTestAccount(t)
	withConn(t, srcStore, func(conn *sqlite.Conn) error {
		_, _, err := store.LookupOrCreateContact(conn, "carol@example.com", "Carol", store.OriginManuallyCreated)
		return err
	})

	archivePath := filepath.Join(t.TempDir(), "export.dcbkp")
	withConn(t, srcStore, func(conn *sqlite.Conn) error {
		return Export(conn, srcBlobs, archivePath, Options{Passphrase: "s3cret"}, nil)
	})

	dstStore, dstBlobs := openTestAccount(t)

	withConn(t, dstStore, func(conn *sqlite.Conn) error {
		err := Import(conn, dstBlobs, archivePath, Options{Passphrase: "wrong"})
		if err == nil {
			t.Fatal("expected failure importing with wrong passphrase")
		}
		return nil
	})

	withConn(t, dstStore, func(conn *sqlite.Conn) error {
		return Import(conn, dstBlobs, archivePath, Options{Passphrase: "s3cret"})
	})

	withConn(t, dstStore, func(conn *sqlite.Conn) error {
		_, created, err := store.LookupOrCreateContact(conn, "carol@example.com", "Carol", store.OriginManuallyCreated)
		if err != nil {
			return err
		}
		if created {
			t.Fatal("carol should already exist after import")
		}
		return nil
	})
}

// genTestKeypair mints a throwaway OpenPGP entity the same way a real
// account's key generation would, so ExportKeys/ImportKeys exercise
// real armor + packet serialization rather than fixture bytes.
func genTestKeypair(t *testing.T) (public, private []byte) {
	t.Helper()
	entity, err := openpgp.NewEntity("dave", "", "dave@example.com", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	var pub, priv bytes.Buffer
	if err := entity.PrimaryKey.Serialize(&pub); err != nil {
		t.Fatalf("serialize public key: %v", err)
	}
	if err := entity.PrivateKey.Serialize(&priv); err != nil {
		t.Fatalf("serialize private key: %v", err)
	}
	return pub.Bytes(), priv.Bytes()
}

func TestExportImportKeys(t *testing.T) {
	pub, priv := genTestKeypair(t)

	srcStore, _ := openTestAccount(t)
	withConn(t, srcStore, func(conn *sqlite.Conn) error {
		_, err := store.AddKeypair(conn, "dave@example.com", pub, priv, true)
		return err
	})

	keysDir := t.TempDir()
	withConn(t, srcStore, func(conn *sqlite.Conn) error {
		written, err := ExportKeys(conn, keysDir)
		if err != nil {
			return err
		}
		if len(written) != 1 {
			t.Fatalf("ExportKeys wrote %d files, want 1", len(written))
		}
		return nil
	})

	dstStore, _ := openTestAccount(t)
	withConn(t, dstStore, func(conn *sqlite.Conn) error {
		n, err := ImportKeys(conn, keysDir)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("ImportKeys restored %d keys, want 1", n)
		}
		kp, err := store.DefaultKeypair(conn, "dave@example.com")
		if err != nil {
			return err
		}
		if kp == nil {
			t.Fatal("default keypair not restored")
		}
		return nil
	})
}
