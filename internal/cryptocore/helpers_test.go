package cryptocore

import (
	"math/rand/v2"
	"testing"
)

// seededRandom installs a deterministic randomness source for the rest of the
// test.
func seededRandom(t testing.TB, seed byte) {
	t.Helper()
	var s [32]byte
	for i := range s {
		s[i] = seed + byte(i)
	}
	restore := UseDeterministicRandom(rand.NewChaCha8(s))
	t.Cleanup(restore)
}

func testGateway(t testing.TB) *Gateway {
	t.Helper()
	gw, err := NewGateway(GatewayConfig{})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return gw
}

func fastArgon2() Argon2Params {
	return Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: SymmetricKeySize}
}

type testParty struct {
	identity *IdentityKeyPair
	spk      *SignedPrekey
	otks     []OneTimePrekey
}

func (p *testParty) bundle() PrekeyBundle {
	b := PrekeyBundle{Identity: p.identity.Public(), SignedPrekey: p.spk.Public()}
	for i := range p.otks {
		b.OneTimePrekeys = append(b.OneTimePrekeys, p.otks[i].Public())
	}
	return b
}

func newTestParty(t testing.TB, gw PrimitiveGateway) *testParty {
	t.Helper()
	vault, err := NewKeyVault(gw, WithArgon2Params(fastArgon2()))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	id, err := vault.NewIdentityKeyPair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	pm := NewPrekeyManager(gw)
	spk, err := pm.GenerateSignedPrekey(1, id.DSASecret)
	if err != nil {
		t.Fatalf("signed prekey: %v", err)
	}
	otks, err := pm.GenerateOneTimePrekeys(100, 2)
	if err != nil {
		t.Fatalf("one-time prekeys: %v", err)
	}
	return &testParty{identity: id, spk: spk, otks: otks}
}

// establish runs a full handshake using bob's first one-time prekey and
// returns alice's (initiator) and bob's (responder) states.
func establish(t testing.TB, gw PrimitiveGateway) (*RatchetState, *RatchetState) {
	t.Helper()
	alice := newTestParty(t, gw)
	bob := newTestParty(t, gw)
	hs := NewHandshakeEngine(gw)
	otk := bob.otks[0].Public()
	aliceState, kb, err := hs.CreateSession(InitiatorParams{
		OurIdentity:        alice.identity,
		TheirIdentity:      bob.identity.Public(),
		TheirSignedPrekey:  bob.spk.Public(),
		TheirOneTimePrekey: &otk,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	bobState, err := hs.AcceptSession(ResponderParams{
		OurIdentity:      bob.identity,
		OurSignedPrekey:  bob.spk,
		OurOneTimePrekey: &bob.otks[0],
		KeyBundle:        kb,
	})
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}
	return aliceState, bobState
}

func newTestRatchet(t testing.TB, gw PrimitiveGateway, opts ...RatchetOption) *RatchetEngine {
	t.Helper()
	r, err := NewRatchetEngine(gw, opts...)
	if err != nil {
		t.Fatalf("ratchet engine: %v", err)
	}
	return r
}

// sendAll encrypts each plaintext in order and returns the messages and the
// final sender state.
func sendAll(t testing.TB, r *RatchetEngine, state *RatchetState, plaintexts ...string) ([]Message, *RatchetState) {
	t.Helper()
	msgs := make([]Message, 0, len(plaintexts))
	for _, p := range plaintexts {
		res, err := r.Encrypt(state, []byte(p))
		if err != nil {
			t.Fatalf("encrypt %q: %v", p, err)
		}
		msgs = append(msgs, res.Message)
		state = res.NewState
	}
	return msgs, state
}

func mustDecrypt(t testing.TB, r *RatchetEngine, state *RatchetState, msg Message, want string) *RatchetState {
	t.Helper()
	res, err := r.Decrypt(state, &msg)
	if err != nil {
		t.Fatalf("decrypt message %d: %v", msg.Header.MessageNumber, err)
	}
	if string(res.Plaintext) != want {
		t.Fatalf("message %d: got %q want %q", msg.Header.MessageNumber, res.Plaintext, want)
	}
	return res.NewState
}
