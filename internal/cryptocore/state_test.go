package cryptocore

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestRatchetStateBlobRoundTrip(t *testing.T) {
	seededRandom(t, 70)
	gw := testGateway(t)
	r := newTestRatchet(t, gw)
	alice, bob := establish(t, gw)

	msgs, _ := sendAll(t, r, alice, "0", "1", "2", "3")
	bob = mustDecrypt(t, r, bob, msgs[3], "3")

	blob, err := MarshalRatchetState(bob)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored, err := UnmarshalRatchetState(blob)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restored.RootKey != bob.RootKey || restored.RecvChain != bob.RecvChain || restored.SkippedKeys() != 3 {
		t.Fatalf("restored state differs")
	}
	for i := 0; i < 3; i++ {
		restored = mustDecrypt(t, r, restored, msgs[i], []string{"0", "1", "2"}[i])
	}
	if _, err := r.Decrypt(restored, &msgs[3]); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("replay after restore: got %v", err)
	}
}

func TestStateBlobVersioning(t *testing.T) {
	future := protowire.AppendTag(nil, 1, protowire.VarintType)
	future = protowire.AppendVarint(future, 99)
	if _, err := UnmarshalRatchetState(future); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("future version: got %v", err)
	}
	if _, err := UnmarshalRatchetState(nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("empty blob: got %v", err)
	}
	if _, err := UnmarshalSenderKeyState([]byte{0xff, 0xff}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("garbage blob: got %v", err)
	}
	if _, err := UnmarshalKeyBundle([]byte{0x0a, 0x05}); !errors.Is(err, ErrHandshakeFailure) {
		t.Fatalf("truncated bundle: got %v", err)
	}
}

func TestSenderKeyBlobRoundTrip(t *testing.T) {
	seededRandom(t, 71)
	g, err := NewGroupChainEngine(testGateway(t), WithMaxMessageKeys(2))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	s, err := g.CreateState()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, it := range []uint32{2, 4} {
		s, err = g.AdvanceAfterDecrypt(s, it)
		if err != nil {
			t.Fatalf("advance %d: %v", it, err)
		}
	}
	blob, err := MarshalSenderKeyState(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalSenderKeyState(blob)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ChainID != s.ChainID || got.ChainKey != s.ChainKey || got.Iteration != 5 {
		t.Fatalf("restored sender key differs: %+v", got)
	}
	if c := got.CachedIterations(); len(c) != 2 || c[0] != 1 || c[1] != 3 {
		t.Fatalf("cached iterations %v", c)
	}
	if _, err := g.AdvanceAfterDecrypt(got, 0); !errors.Is(err, ErrMessageTooOld) {
		t.Fatalf("evicted iteration after restore: got %v", err)
	}
}

func TestMessageBlobRoundTrip(t *testing.T) {
	seededRandom(t, 72)
	gw := testGateway(t)
	r := newTestRatchet(t, gw)
	alice, bob := establish(t, gw)
	bob = mustDecrypt(t, r, bob, mustSend(t, r, alice, "x"), "x")

	res, err := r.Encrypt(bob, []byte("wire"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	blob, err := MarshalMessage(&res.Message)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := UnmarshalMessage(blob)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(msg.Header.RatchetCiphertext) == 0 {
		t.Fatalf("ratchet ciphertext dropped")
	}
}

func mustSend(t *testing.T, r *RatchetEngine, state *RatchetState, p string) Message {
	t.Helper()
	msgs, _ := sendAll(t, r, state, p)
	return msgs[0]
}
