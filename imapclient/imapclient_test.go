package imapclient

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/deltachat/dc-core-go/dcerr"
)

// fakeServer wraps one half of a net.Pipe and answers scripted tagged
// commands, letting imapclient's framing be exercised without a real
// IMAP server (mirroring how the teacher tests its SMTP client against
// an in-process fake rather than a live mail server).
type fakeServer struct {
	conn net.Conn
	br   *bufio.Reader
}

func newFakeServer(conn net.Conn) *fakeServer {
	return &fakeServer{conn: conn, br: bufio.NewReader(conn)}
}

func (f *fakeServer) readTag() string {
	line, _ := f.br.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (f *fakeServer) send(lines ...string) {
	for _, l := range lines {
		f.conn.Write([]byte(l + "\r\n"))
	}
}

func dialPair(t *testing.T) (*Conn, *fakeServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	srv := newFakeServer(serverConn)
	go srv.send("* OK [CAPABILITY IMAP4rev1 IDLE MOVE UIDPLUS] ready")

	c := &Conn{
		nc:           clientConn,
		br:           bufio.NewReaderSize(clientConn, 64*1024),
		bw:           bufio.NewWriter(clientConn),
		Capabilities: make(map[string]bool),
		state:        StateConnecting,
	}
	line, err := c.readLine()
	if err != nil {
		t.Fatalf("readLine greeting: %v", err)
	}
	c.scanCapabilities(line)
	return c, srv
}

func TestGreetingCapabilities(t *testing.T) {
	c, _ := dialPair(t)
	if !c.Capabilities["IDLE"] || !c.Capabilities["MOVE"] || !c.Capabilities["UIDPLUS"] {
		t.Fatalf("capabilities not parsed: %v", c.Capabilities)
	}
}

func TestSelect(t *testing.T) {
	c, srv := dialPair(t)

	go func() {
		tag := srv.readTag()
		srv.send(
			"* 42 EXISTS",
			"* OK [UIDVALIDITY 1001]",
			"* OK [UIDNEXT 500]",
			"* OK [PERMANENTFLAGS (\\Seen \\Deleted $MDNSent)]",
			tag+" OK SELECT completed",
		)
	}()

	info, err := c.Select(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if info.Exists != 42 || info.UIDValidity != 1001 || info.UIDNext != 500 {
		t.Fatalf("unexpected SelectInfo: %+v", info)
	}
	found := false
	for _, f := range info.PermFlags {
		if f == "$MDNSent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected $MDNSent in PermFlags: %v", info.PermFlags)
	}
}

func TestUIDFetchLiteral(t *testing.T) {
	c, srv := dialPair(t)

	body := "Subject: hi\r\nMessage-Id: <abc@x>\r\n\r\nhello\r\n"
	go func() {
		tag := srv.readTag()
		srv.send(
			"* 1 FETCH (UID 55 FLAGS (\\Seen) BODY[] {" + itoa(len(body)) + "}",
		)
		srv.conn.Write([]byte(body))
		srv.send(")", tag+" OK FETCH completed")
	}()

	msg, err := c.FetchBody(context.Background(), 55)
	if err != nil {
		t.Fatalf("FetchBody: %v", err)
	}
	if msg.UID != 55 {
		t.Fatalf("UID = %d, want 55", msg.UID)
	}
	if !strings.Contains(string(msg.Raw), "Message-Id: <abc@x>") {
		t.Fatalf("raw body missing header: %q", msg.Raw)
	}
}

func TestMoveFallsBackToCopyDeletedWithoutMove(t *testing.T) {
	c, srv := dialPair(t)
	delete(c.Capabilities, "MOVE")

	go func() {
		tag1 := srv.readTag()
		srv.send(tag1 + " OK COPY completed")
		tag2 := srv.readTag()
		srv.send(tag2 + " OK STORE completed")
	}()

	outcome, err := c.Move(context.Background(), 7, "Archive")
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if outcome != dcerr.Success {
		t.Fatalf("outcome = %v, want Success", outcome)
	}
}

func TestStoreFlagClassifiesNOResponse(t *testing.T) {
	c, srv := dialPair(t)

	go func() {
		tag := srv.readTag()
		srv.send(tag + " NO [CANNOT] permission denied")
	}()

	outcome, err := c.SetSeen(context.Background(), 9)
	if err == nil {
		t.Fatalf("expected error")
	}
	if outcome != dcerr.Classify(err) {
		t.Fatalf("outcome %v does not match Classify(err) %v", outcome, dcerr.Classify(err))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestIdleRespectsInterrupt(t *testing.T) {
	c, srv := dialPair(t)

	go func() {
		srv.readTag()
		srv.send("+ idling")
	}()

	interrupt := make(chan struct{}, 1)
	interrupt <- struct{}{}

	done := make(chan error, 1)
	go func() { done <- c.Idle(context.Background(), interrupt) }()

	go func() {
		line, _ := srv.br.ReadString('\n')
		if strings.TrimSpace(line) != "DONE" {
			t.Errorf("expected DONE, got %q", line)
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Idle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Idle did not return after interrupt")
	}
}
