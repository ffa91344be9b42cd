package sdcp

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/varatra/sdcp/sdcp/wire"
)

func TestMaybeCompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox "), 100)

	body, flags := maybeCompress(payload, 64)
	if flags != wire.FlagCompressed {
		t.Fatalf("expected compressed flag, got %#x", flags)
	}
	if len(body) >= len(payload) {
		t.Fatalf("compressed body (%d) not smaller than payload (%d)", len(body), len(payload))
	}

	out, err := decompress(body)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("round trip mismatch")
	}
}

func TestMaybeCompressBelowThreshold(t *testing.T) {
	payload := []byte("short")
	body, flags := maybeCompress(payload, 64)
	if flags != 0 {
		t.Fatalf("expected no flags, got %#x", flags)
	}
	if !bytes.Equal(body, payload) {
		t.Fatal("payload must pass through untouched")
	}
}

func TestMaybeCompressIncompressible(t *testing.T) {
	payload := make([]byte, 512)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	body, flags := maybeCompress(payload, 64)
	if flags != 0 {
		t.Fatalf("random bytes should not compress, got flags %#x", flags)
	}
	if !bytes.Equal(body, payload) {
		t.Fatal("payload must pass through untouched")
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	if _, err := decompress([]byte{0xde, 0xad, 0xbe, 0xef}); err == nil {
		t.Fatal("expected an error for non-LZ4 input")
	}
}

func TestMaybeCompressDisabled(t *testing.T) {
	payload := bytes.Repeat([]byte("aaaa"), 100)
	body, flags := maybeCompress(payload, 0)
	if flags != 0 || !bytes.Equal(body, payload) {
		t.Fatal("threshold zero must disable compression")
	}
}
