package sasl

import (
	"strings"
	"testing"
)

func TestXOAUTH2Start(t *testing.T) {
	a := XOAUTH2("alice@example.com", "tok123")
	proto, msg, err := a.Start(nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if proto != "XOAUTH2" {
		t.Fatalf("proto = %q, want XOAUTH2", proto)
	}
	if !strings.Contains(string(msg), "user=alice@example.com") || !strings.Contains(string(msg), "tok123") {
		t.Fatalf("message missing expected fields: %q", msg)
	}
}

func TestOAUTHBEARERStart(t *testing.T) {
	a := OAUTHBEARER("bob@example.com", "smtp.example.com", 587, "tok456")
	proto, msg, err := a.Start(nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if proto != "OAUTHBEARER" {
		t.Fatalf("proto = %q, want OAUTHBEARER", proto)
	}
	if !strings.Contains(string(msg), "host=smtp.example.com") || !strings.Contains(string(msg), "tok456") {
		t.Fatalf("message missing expected fields: %q", msg)
	}
}
