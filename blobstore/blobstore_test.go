package blobstore

import (
	"os"
	"strings"
	"testing"
)

func TestCreateDedup(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	p1, n1, err := s.Create(strings.NewReader("hello world"), ".jpg")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n1 != int64(len("hello world")) {
		t.Fatalf("size = %d, want %d", n1, len("hello world"))
	}
	if !strings.HasPrefix(p1, Prefix) {
		t.Fatalf("path %q missing prefix %q", p1, Prefix)
	}
	if !strings.HasSuffix(p1, ".jpg") {
		t.Fatalf("path %q missing extension", p1)
	}

	p2, _, err := s.Create(strings.NewReader("hello world"), ".jpg")
	if err != nil {
		t.Fatalf("Create (dup): %v", err)
	}
	if p1 != p2 {
		t.Fatalf("duplicate content got different paths: %q != %q", p1, p2)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("dedup failed, found %d files in blob dir", len(entries))
	}
}

func TestSanitizeExt(t *testing.T) {
	cases := map[string]string{
		".jpg":          ".jpg",
		"jpg":           ".jpg",
		"":              "",
		"../../etc/pwd": "etcpwd",
		"a.b":           ".ab",
	}
	for in, want := range cases {
		got := sanitizeExt(in)
		if want != "" && want[0] != '.' {
			want = "." + want
		}
		if got != want {
			t.Errorf("sanitizeExt(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveAndOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	relPath, _, err := s.Create(strings.NewReader("data"), ".txt")
	if err != nil {
		t.Fatal(err)
	}
	f, err := s.OpenBlob(relPath)
	if err != nil {
		t.Fatalf("OpenBlob: %v", err)
	}
	f.Close()

	if err := s.Remove(relPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.OpenBlob(relPath); err == nil {
		t.Fatal("expected error opening removed blob")
	}
}

func TestCompanionSuffixes(t *testing.T) {
	base := "abcd1234.webp"
	companions := []string{base + ".increation", base + ".waveform", strings.TrimSuffix(base, ".webp") + "-preview.jpg"}
	for _, c := range companions {
		if !IsCompanion(c) {
			t.Errorf("IsCompanion(%q) = false, want true", c)
		}
		if BaseOf(c) == c {
			t.Errorf("BaseOf(%q) did not strip suffix", c)
		}
	}
	if IsCompanion(base) {
		t.Errorf("IsCompanion(%q) = true, want false", base)
	}
	if BaseOf(base) != base {
		t.Errorf("BaseOf(%q) = %q, want unchanged", base, BaseOf(base))
	}
}
