package ratchet

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/TheusHen/poqr/poqr/crypto"
)

func TestChainRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	sender, err := NewChain(key)
	if err != nil {
		t.Fatalf("NewChain sender: %v", err)
	}
	receiver, err := NewReceiver(key, DefaultWindow)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	for i := 0; i < 10; i++ {
		msg := []byte(fmt.Sprintf("message %d", i))
		buf := append([]byte(nil), msg...)
		tag, err := sender.SealDetached(buf, nil)
		if err != nil {
			t.Fatalf("SealDetached: %v", err)
		}
		if err := receiver.OpenDetached(buf, tag, nil); err != nil {
			t.Fatalf("OpenDetached %d: %v", i, err)
		}
		if !bytes.Equal(buf, msg) {
			t.Fatalf("message %d mismatch", i)
		}
	}
	if sender.Generation() != 10 || receiver.Generation() != 10 {
		t.Fatalf("generations out of sync")
	}
}

func TestReceiverSkipsDroppedCells(t *testing.T) {
	key := make([]byte, 32)
	sender, _ := NewChain(key)
	receiver, _ := NewReceiver(key, 2)

	// Two cells lost on the way.
	for i := 0; i < 2; i++ {
		buf := []byte("lost")
		if _, err := sender.SealDetached(buf, nil); err != nil {
			t.Fatalf("SealDetached: %v", err)
		}
	}

	buf := []byte("m2")
	tag, _ := sender.SealDetached(buf, nil)
	if err := receiver.OpenDetached(buf, tag, nil); err != nil {
		t.Fatalf("OpenDetached after gap: %v", err)
	}
	if string(buf) != "m2" {
		t.Fatalf("m2 mismatch")
	}
	if receiver.Generation() != 3 {
		t.Fatalf("expected generation 3, got %d", receiver.Generation())
	}
}

func TestReceiverDoesNotAdvanceOnFailure(t *testing.T) {
	key := make([]byte, 32)
	sender, _ := NewChain(key)
	receiver, _ := NewReceiver(key, DefaultWindow)

	buf := []byte("payload")
	tag, _ := sender.SealDetached(buf, nil)

	tampered := append([]byte(nil), buf...)
	tampered[0] ^= 0x01
	if err := receiver.OpenDetached(tampered, tag, nil); err != crypto.ErrAuthentication {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if receiver.Generation() != 0 {
		t.Fatalf("receiver advanced on failure")
	}
	sealed := append([]byte(nil), buf...)
	if err := receiver.OpenDetached(buf, tag, nil); err != nil {
		t.Fatalf("OpenDetached: %v", err)
	}

	// A replay of the same cell must fail now.
	if err := receiver.OpenDetached(sealed, tag, nil); err == nil {
		t.Fatalf("replayed cell accepted")
	}
}

func TestWindowExceeded(t *testing.T) {
	key := make([]byte, 32)
	sender, _ := NewChain(key)
	receiver, _ := NewReceiver(key, 1)

	for i := 0; i < 3; i++ {
		_, _ = sender.SealDetached([]byte("lost"), nil)
	}
	buf := []byte("late")
	tag, _ := sender.SealDetached(buf, nil)
	if err := receiver.OpenDetached(buf, tag, nil); err == nil {
		t.Fatalf("expected failure beyond window")
	}
}

func TestWipe(t *testing.T) {
	c, _ := NewChain(make([]byte, 32))
	c.Wipe()
	if _, _, err := c.Step(); err != ErrRatchetExhausted {
		t.Fatalf("expected ErrRatchetExhausted after Wipe, got %v", err)
	}
	if _, err := NewChain(make([]byte, 16)); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func BenchmarkChainSeal(b *testing.B) {
	key := make([]byte, 32)
	chain, _ := NewChain(key)
	msg := make([]byte, 1915)
	b.SetBytes(int64(len(msg)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = chain.SealDetached(msg, nil)
	}
}
