package cas

import (
	"bytes"
	"errors"
	"io/fs"
	"testing"
)

const script = `(function() {var implementors = Object.fromEntries([["axfs",[["impl Read for File"]]]]);})()`

func TestWriteRead_RoundTrip(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	hash, err := Write([]byte(script))
	if err != nil {
		t.Fatal(err)
	}
	if hash != Hash([]byte(script)) {
		t.Fatalf("hash %s does not match content address", hash)
	}

	got, err := Read(hash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte(script)) {
		t.Errorf("round-trip failed: got %q, want %q", got, script)
	}
}

func TestWrite_Dedup(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	hash1, err := Write([]byte("duplicate content"))
	if err != nil {
		t.Fatal(err)
	}
	hash2, err := Write([]byte("duplicate content"))
	if err != nil {
		t.Fatal(err)
	}
	if hash1 != hash2 {
		t.Errorf("same content produced different hashes: %s vs %s", hash1, hash2)
	}
}

func TestWrite_DifferentContent(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	hash1, err := Write([]byte("content A"))
	if err != nil {
		t.Fatal(err)
	}
	hash2, err := Write([]byte("content B"))
	if err != nil {
		t.Fatal(err)
	}
	if hash1 == hash2 {
		t.Error("different content should produce different hashes")
	}
}

func TestRead_MissingHash(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	_, err := Read("0000000000000000000000000000000000000000000000000000000000000000")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestRead_InvalidHash(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	for _, h := range []string{"", "abc", "../../../../../../../../../../../../../../../../etc/passwd0000"} {
		if _, err := Read(h); err == nil {
			t.Errorf("Read(%q): expected error", h)
		}
	}
}

func TestClear(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	hash, err := Write([]byte(script))
	if err != nil {
		t.Fatal(err)
	}
	if err := Clear(); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(hash); err == nil {
		t.Fatal("expected object to be gone after Clear")
	}
}
