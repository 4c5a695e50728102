package cryptocore

import (
	"regexp"
	"testing"
)

func TestSafetyNumberSymmetric(t *testing.T) {
	seededRandom(t, 50)
	gw := testGateway(t)
	a := newTestParty(t, gw).identity.Public().Bytes()
	b := newTestParty(t, gw).identity.Public().Bytes()
	c := newTestParty(t, gw).identity.Public().Bytes()

	ab := GenerateSafetyNumber(a, b)
	if ba := GenerateSafetyNumber(b, a); ab != ba {
		t.Fatalf("not symmetric:\n%s\n%s", ab, ba)
	}
	if !regexp.MustCompile(`^\d{5}( \d{5}){11}$`).MatchString(ab) {
		t.Fatalf("unexpected format %q", ab)
	}
	if ac := GenerateSafetyNumber(a, c); ac == ab {
		t.Fatalf("different peers share a safety number")
	}
}
