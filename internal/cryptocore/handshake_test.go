package cryptocore

import (
	"errors"
	"testing"
)

func TestHandshakeSymmetry(t *testing.T) {
	seededRandom(t, 20)
	gw := testGateway(t)
	r := newTestRatchet(t, gw)
	hs := NewHandshakeEngine(gw)

	for _, withOTK := range []bool{true, false} {
		alice := newTestParty(t, gw)
		bob := newTestParty(t, gw)
		params := InitiatorParams{
			OurIdentity:       alice.identity,
			TheirIdentity:     bob.identity.Public(),
			TheirSignedPrekey: bob.spk.Public(),
		}
		resp := ResponderParams{OurIdentity: bob.identity, OurSignedPrekey: bob.spk}
		if withOTK {
			otk := bob.otks[1].Public()
			params.TheirOneTimePrekey = &otk
			resp.OurOneTimePrekey = &bob.otks[1]
		}
		aliceState, kb, err := hs.CreateSession(params)
		if err != nil {
			t.Fatalf("create (otk=%v): %v", withOTK, err)
		}
		if withOTK != (kb.OneTimePrekeyID != nil) {
			t.Fatalf("otk id presence mismatch (otk=%v)", withOTK)
		}

		blob, err := MarshalKeyBundle(kb)
		if err != nil {
			t.Fatalf("marshal bundle: %v", err)
		}
		resp.KeyBundle, err = UnmarshalKeyBundle(blob)
		if err != nil {
			t.Fatalf("unmarshal bundle: %v", err)
		}
		bobState, err := hs.AcceptSession(resp)
		if err != nil {
			t.Fatalf("accept (otk=%v): %v", withOTK, err)
		}
		if aliceState.RootKey != bobState.RootKey {
			t.Fatalf("root keys differ (otk=%v)", withOTK)
		}
		if aliceState.Role != RoleInitiator || bobState.Role != RoleResponder {
			t.Fatalf("unexpected roles %s/%s", aliceState.Role, bobState.Role)
		}

		msgs, _ := sendAll(t, r, aliceState, "hi bob")
		bobState = mustDecrypt(t, r, bobState, msgs[0], "hi bob")
		replies, _ := sendAll(t, r, bobState, "hi alice")
		mustDecrypt(t, r, aliceState, replies[0], "hi alice")
	}
}

func TestHandshakeRejectsForgedSignedPrekey(t *testing.T) {
	seededRandom(t, 21)
	gw := testGateway(t)
	hs := NewHandshakeEngine(gw)
	alice := newTestParty(t, gw)
	bob := newTestParty(t, gw)
	mallory := newTestParty(t, gw)

	spk := bob.spk.Public()
	spk.PublicKey = mallory.spk.PublicKey
	_, _, err := hs.CreateSession(InitiatorParams{
		OurIdentity:       alice.identity,
		TheirIdentity:     bob.identity.Public(),
		TheirSignedPrekey: spk,
	})
	if !errors.Is(err, ErrInvalidPrekeySignature) || !errors.Is(err, ErrHandshakeFailure) {
		t.Fatalf("got %v", err)
	}
}

func TestHandshakeAcceptFailures(t *testing.T) {
	seededRandom(t, 22)
	gw := testGateway(t)
	hs := NewHandshakeEngine(gw)
	alice := newTestParty(t, gw)
	bob := newTestParty(t, gw)

	otk := bob.otks[0].Public()
	_, kb, err := hs.CreateSession(InitiatorParams{
		OurIdentity:        alice.identity,
		TheirIdentity:      bob.identity.Public(),
		TheirSignedPrekey:  bob.spk.Public(),
		TheirOneTimePrekey: &otk,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tampered := *kb
	tampered.RatchetPublic = append([]byte(nil), kb.RatchetPublic...)
	tampered.RatchetPublic[0] ^= 0x01

	wrongSPK := *kb
	wrongSPK.SignedPrekeyID = 9

	tests := []struct {
		name string
		p    ResponderParams
		want error
	}{
		{"missing one-time prekey", ResponderParams{OurIdentity: bob.identity, OurSignedPrekey: bob.spk, KeyBundle: kb}, ErrMissingOneTimeKey},
		{"different one-time prekey", ResponderParams{OurIdentity: bob.identity, OurSignedPrekey: bob.spk, OurOneTimePrekey: &bob.otks[1], KeyBundle: kb}, ErrMissingOneTimeKey},
		{"tampered bundle", ResponderParams{OurIdentity: bob.identity, OurSignedPrekey: bob.spk, OurOneTimePrekey: &bob.otks[0], KeyBundle: &tampered}, ErrHandshakeFailure},
		{"stale signed prekey", ResponderParams{OurIdentity: bob.identity, OurSignedPrekey: bob.spk, OurOneTimePrekey: &bob.otks[0], KeyBundle: &wrongSPK}, ErrHandshakeFailure},
		{"wrong responder", ResponderParams{OurIdentity: alice.identity, OurSignedPrekey: bob.spk, OurOneTimePrekey: &bob.otks[0], KeyBundle: kb}, ErrHandshakeFailure},
		{"nil bundle", ResponderParams{OurIdentity: bob.identity, OurSignedPrekey: bob.spk}, ErrHandshakeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := hs.AcceptSession(tt.p); !errors.Is(err, tt.want) {
				t.Fatalf("got %v want %v", err, tt.want)
			}
		})
	}
}

func TestPrekeyGeneration(t *testing.T) {
	seededRandom(t, 23)
	gw := testGateway(t)
	p := newTestParty(t, gw)
	pm := NewPrekeyManager(gw)

	if err := pm.VerifySignedPrekey(p.identity.DSAPublic, p.spk.Public()); err != nil {
		t.Fatalf("verify: %v", err)
	}
	other := newTestParty(t, gw)
	if err := pm.VerifySignedPrekey(other.identity.DSAPublic, p.spk.Public()); !errors.Is(err, ErrInvalidPrekeySignature) {
		t.Fatalf("foreign identity: got %v", err)
	}
	if p.otks[0].ID != 100 || p.otks[1].ID != 101 {
		t.Fatalf("unexpected ids %d %d", p.otks[0].ID, p.otks[1].ID)
	}
	if _, err := pm.GenerateOneTimePrekeys(^uint32(0), 2); err == nil {
		t.Fatalf("expected id exhaustion error")
	}
}
