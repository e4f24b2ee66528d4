package encoding

import "testing"

func TestRLE_RoundTrip(t *testing.T) {
	in := make([]uint16, 0, 200)
	in = append(in, 1, 1, 1, 2, 2, 3)
	for i := 0; i < 50; i++ {
		in = append(in, 7)
	}
	in = append(in, 9, 0xFFFF, 0xFFFF, 10)

	enc := EncodeRLE(in)
	out, err := DecodeRLE(enc, len(in))
	if err != nil {
		t.Fatalf("DecodeRLE: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("mismatch at %d: got %d want %d", i, out[i], in[i])
		}
	}
}

func TestRLE_Limit(t *testing.T) {
	enc := EncodeRLE(make([]uint16, 4096))
	if _, err := DecodeRLE(enc, 4095); err == nil {
		t.Fatalf("expected limit error")
	}
	if out, err := DecodeRLE(enc, 0); err != nil || len(out) != 4096 {
		t.Fatalf("unlimited decode: len=%d err=%v", len(out), err)
	}
	if out, err := DecodeRLE(EncodeRLE(nil), 1); err != nil || len(out) != 0 {
		t.Fatalf("empty decode: %v %v", out, err)
	}
}
