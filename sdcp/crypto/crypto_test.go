package crypto

import (
	"bytes"
	"testing"
)

func TestX25519ECDH(t *testing.T) {
	alice, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	bob, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}

	sharedAlice, err := ECDH(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("ECDH alice: %v", err)
	}
	sharedBob, err := ECDH(bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("ECDH bob: %v", err)
	}

	if !bytes.Equal(sharedAlice, sharedBob) {
		t.Fatalf("shared secrets do not match")
	}

	var zero [32]byte
	if _, err := ECDH(alice.PrivateKey, zero); err != ErrInvalidPublicKey {
		t.Fatalf("expected ErrInvalidPublicKey for zero point")
	}
}

func TestSelectSuite(t *testing.T) {
	local := []CipherSuite{SuiteChaCha20Poly1305, SuiteAES256GCM}

	cs, err := SelectSuite(local, []CipherSuite{SuiteAES256GCM})
	if err != nil || cs != SuiteAES256GCM {
		t.Fatalf("SelectSuite: got %v, %v", cs, err)
	}

	// proposal order wins
	cs, err = SelectSuite(local, []CipherSuite{SuiteAES256GCM, SuiteChaCha20Poly1305})
	if err != nil || cs != SuiteAES256GCM {
		t.Fatalf("SelectSuite proposal order: got %v, %v", cs, err)
	}

	if _, err = SelectSuite(local, []CipherSuite{CipherSuite(99)}); err != ErrNoCommonSuite {
		t.Fatalf("expected ErrNoCommonSuite, got %v", err)
	}
}

func TestDeriveSessionKeys(t *testing.T) {
	alice, _ := GenerateX25519()
	bob, _ := GenerateX25519()
	shared, _ := ECDH(alice.PrivateKey, bob.PublicKey)

	k1, k2, err := DeriveSessionKeys(SuiteChaCha20Poly1305, shared, alice.PublicKey, bob.PublicKey, 1)
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	if len(k1) != 32 || len(k2) != 32 {
		t.Fatalf("unexpected key lengths")
	}
	if bytes.Equal(k1, k2) {
		t.Fatalf("initiator and responder keys should differ")
	}

	// a new session number must yield unrelated keys
	k3, _, err := DeriveSessionKeys(SuiteChaCha20Poly1305, shared, alice.PublicKey, bob.PublicKey, 2)
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatalf("keys should change with the session number")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, suite := range DefaultSuites() {
		key := make([]byte, suite.KeySize())
		for i := range key {
			key[i] = byte(i)
		}
		sealer, err := NewSealer(suite, key, DirectionInitiator)
		if err != nil {
			t.Fatalf("%v NewSealer: %v", suite, err)
		}
		opener, err := NewOpener(suite, key, DirectionInitiator)
		if err != nil {
			t.Fatalf("%v NewOpener: %v", suite, err)
		}

		plaintext := []byte("hello secure datagram channel")
		ad := []byte{6, 3, 0}

		seq, ct, err := sealer.Seal(plaintext, ad)
		if err != nil {
			t.Fatalf("%v Seal: %v", suite, err)
		}
		if seq != 1 {
			t.Fatalf("%v first sequence = %d, want 1", suite, seq)
		}

		got, err := opener.Open(seq, ct, ad)
		if err != nil {
			t.Fatalf("%v Open: %v", suite, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("%v decrypted != plaintext", suite)
		}

		// replay must be rejected
		if _, err := opener.Open(seq, ct, ad); err != ErrReplayedSequence {
			t.Fatalf("%v expected ErrReplayedSequence, got %v", suite, err)
		}

		// tampered ciphertext must not advance the window
		seq2, ct2, _ := sealer.Seal(plaintext, ad)
		ct2[len(ct2)-1] ^= 0xff
		if _, err := opener.Open(seq2, ct2, ad); err != ErrDecryptionFailed {
			t.Fatalf("%v expected ErrDecryptionFailed, got %v", suite, err)
		}
		seq3, ct3, _ := sealer.Seal(plaintext, ad)
		if _, err := opener.Open(seq3, ct3, ad); err != nil {
			t.Fatalf("%v Open after tampered datagram: %v", suite, err)
		}
	}
}

func TestWindow(t *testing.T) {
	var w Window

	if w.Commit(0) {
		t.Fatalf("sequence zero must never be accepted")
	}
	for _, seq := range []uint64{1, 2, 5, 4} {
		if !w.Commit(seq) {
			t.Fatalf("Commit(%d) rejected", seq)
		}
	}
	for _, seq := range []uint64{1, 2, 4, 5} {
		if w.Commit(seq) {
			t.Fatalf("duplicate Commit(%d) accepted", seq)
		}
	}
	if !w.Commit(3) {
		t.Fatalf("in-window gap rejected")
	}

	// jump far ahead, then fall out of the window
	if !w.Commit(1000) {
		t.Fatalf("Commit(1000) rejected")
	}
	if w.Commit(1000 - WindowSize) {
		t.Fatalf("out-of-window sequence accepted")
	}
	if !w.Commit(1000 - WindowSize + 1) {
		t.Fatalf("oldest in-window sequence rejected")
	}
}

func BenchmarkSeal(b *testing.B) {
	key := make([]byte, 32)
	sealer, _ := NewSealer(SuiteChaCha20Poly1305, key, DirectionInitiator)
	plaintext := make([]byte, 1200)
	b.SetBytes(int64(len(plaintext)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = sealer.Seal(plaintext, nil)
	}
}
