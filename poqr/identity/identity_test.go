package identity

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestPeerIDDerivationStable(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	id1 := kp.PeerID()
	id2 := PeerIDFromPublicKey(kp.PublicKey)
	if id1 != id2 {
		t.Fatalf("PeerID mismatch")
	}

	parsed, err := ParsePeerIDHex(id1.String())
	if err != nil {
		t.Fatalf("ParsePeerIDHex: %v", err)
	}
	if parsed != id1 {
		t.Fatalf("ParsePeerIDHex mismatch")
	}
	if _, err := ParsePeerIDHex("abcd"); err != ErrInvalidPeerID {
		t.Fatalf("expected ErrInvalidPeerID, got %v", err)
	}
	if len(id1.Short()) != 8 {
		t.Fatalf("unexpected short form %q", id1.Short())
	}
}

func TestPeerIDJSON(t *testing.T) {
	kp, _ := GenerateKeyPair()
	in := struct {
		ID PeerID `json:"id"`
	}{ID: kp.PeerID()}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out struct {
		ID PeerID `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.ID != in.ID {
		t.Fatalf("PeerID changed across JSON")
	}
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	msg := []byte("hello")
	sig := kp.Sign(msg)
	if len(sig) == 0 {
		t.Fatalf("expected signature")
	}
	if !Verify(kp.PublicKey, msg, sig) {
		t.Fatalf("signature verification failed")
	}
	if Verify(kp.PublicKey, []byte("tampered"), sig) {
		t.Fatalf("expected verification to fail for tampered message")
	}

	kp2, _ := GenerateKeyPair()
	if Verify(kp2.PublicKey, msg, sig) {
		t.Fatalf("expected verification to fail with different public key")
	}
	if Verify(kp.PublicKey[:10], msg, sig) {
		t.Fatalf("expected verification to fail with truncated key")
	}

	if bytes.Equal(sig, make([]byte, len(sig))) {
		t.Fatalf("unexpected zeroed signature")
	}
}

func TestLoadOrGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.pem")

	kp1, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	kp2, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate again: %v", err)
	}
	if kp1.PeerID() != kp2.PeerID() {
		t.Fatalf("identity changed across reload")
	}
	if !bytes.Equal(kp1.PrivateKey, kp2.PrivateKey) {
		t.Fatalf("private key changed across reload")
	}
}
