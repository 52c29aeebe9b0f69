package domain

import (
	"testing"
	"unicode/utf8"
)

// FuzzParseReservationID checks that parsing never panics on arbitrary input
// and that accepted ids round-trip.
func FuzzParseReservationID(f *testing.F) {
	f.Add("")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("00000000-0000-0000-0000-000000000000")
	f.Add("not-a-uuid")
	f.Add(string([]byte{0x00, 0x01, 0x02}))
	f.Add("550e8400-e29b-41d4-a716-446655440000\x00suffix")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseReservationID(input)
		if err != nil {
			return
		}
		if id.IsNil() {
			t.Error("nil id accepted")
		}
		roundTrip, err := ParseReservationID(id.String())
		if err != nil {
			t.Errorf("valid id failed round-trip: %v", err)
		}
		if roundTrip != id {
			t.Error("round-trip changed id value")
		}
		if !utf8.ValidString(input) {
			t.Error("non-UTF8 input was accepted")
		}
	})
}
