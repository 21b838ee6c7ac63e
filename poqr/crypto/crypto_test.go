package crypto

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestAEADRoundTrip(t *testing.T) {
	aead, err := NewAEAD(testKey())
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}

	plaintext := []byte("hello poqr layer")
	ad := []byte("additional data")

	ciphertext := aead.Seal(plaintext, ad)
	if len(ciphertext) != len(plaintext)+aead.NonceSize()+aead.Overhead() {
		t.Fatalf("unexpected ciphertext length")
	}

	decrypted, err := aead.Open(ciphertext, ad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("decrypted != plaintext")
	}

	// Tamper with ciphertext
	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = aead.Open(ciphertext, ad)
	if err != ErrAuthentication {
		t.Fatalf("expected authentication failure on tampered ciphertext")
	}
}

func TestSealOpenEveryBitFlip(t *testing.T) {
	key := testKey()
	plaintext := []byte("flip me")
	ct, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	for i := 0; i < len(ct)*8; i++ {
		bad := append([]byte(nil), ct...)
		bad[i/8] ^= 1 << (i % 8)
		if _, err := Open(key, bad); err != ErrAuthentication {
			t.Fatalf("bit %d: expected ErrAuthentication, got %v", i, err)
		}
	}
	pt, err := Open(key, ct)
	if err != nil || !bytes.Equal(pt, plaintext) {
		t.Fatalf("Open: %v", err)
	}
	if _, err := Open(key, ct[:10]); err != ErrCiphertextTooShort {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
	if _, err := Seal(key[:16], plaintext); err != ErrInvalidKeySize {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestDetachedLengthPreserving(t *testing.T) {
	aead, _ := NewAEAD(testKey())
	body := bytes.Repeat([]byte("cell"), 100)
	orig := append([]byte(nil), body...)

	tag := aead.SealDetached(7, body, nil)
	if len(tag) != TagSize {
		t.Fatalf("unexpected tag length %d", len(tag))
	}
	if len(body) != len(orig) || bytes.Equal(body, orig) {
		t.Fatalf("body not encrypted in place")
	}

	sealed := append([]byte(nil), body...)
	if err := aead.OpenDetached(8, body, tag, nil); err != ErrAuthentication {
		t.Fatalf("expected wrong counter to fail, got %v", err)
	}
	if !bytes.Equal(body, sealed) {
		t.Fatalf("failed open modified the buffer")
	}
	if err := aead.OpenDetached(7, body, tag, nil); err != nil {
		t.Fatalf("OpenDetached: %v", err)
	}
	if !bytes.Equal(body, orig) {
		t.Fatalf("decrypted != plaintext")
	}
}

func TestDeriveHopKeys(t *testing.T) {
	secret := bytes.Repeat([]byte{1}, 32)
	hk, err := DeriveHopKeys(secret, []byte("ciphertext"))
	if err != nil {
		t.Fatalf("DeriveHopKeys: %v", err)
	}
	if hk.Forward == hk.Backward || hk.Forward == hk.Confirm || hk.Backward == hk.Confirm {
		t.Fatalf("hop keys should differ")
	}

	again, _ := DeriveHopKeys(secret, []byte("ciphertext"))
	if again != hk {
		t.Fatalf("derivation is not deterministic")
	}
	other, _ := DeriveHopKeys(secret, []byte("other"))
	if other.Forward == hk.Forward {
		t.Fatalf("ciphertext is not bound into the keys")
	}

	hk.Wipe()
	if hk != (HopKeys{}) {
		t.Fatalf("Wipe left key material")
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Fatalf("Zero did not clear buffer")
	}
	Zero(nil)
}

func BenchmarkSealDetached(b *testing.B) {
	aead, _ := NewAEAD(make([]byte, 32))
	body := make([]byte, 1915)
	b.SetBytes(int64(len(body)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = aead.SealDetached(uint64(i), body, nil)
	}
}

func BenchmarkAEADOpen(b *testing.B) {
	aead, _ := NewAEAD(make([]byte, 32))
	plaintext := make([]byte, 64*1024)
	ciphertext := aead.Seal(plaintext, nil)
	b.SetBytes(int64(len(plaintext)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = aead.Open(ciphertext, nil)
	}
}
