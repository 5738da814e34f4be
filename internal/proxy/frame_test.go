package proxy

import (
	"bytes"
	"testing"
)

func TestDecodeClientFrame(t *testing.T) {
	// 'Q' (Simple Query) "SELECT 1" + NUL, length = 4 + 9 = 13
	raw := append([]byte{'Q', 0, 0, 0, 13}, []byte("SELECT 1\x00")...)

	t.Run("complete frame", func(t *testing.T) {
		frame, consumed, err := DecodeClientFrame(raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if frame == nil {
			t.Fatal("expected a frame, got nil")
		}
		if consumed != len(raw) {
			t.Errorf("consumed = %d, want %d", consumed, len(raw))
		}
		if frame.Tag != 'Q' {
			t.Errorf("Tag = %q, want 'Q'", frame.Tag)
		}
		if !bytes.Equal(frame.Raw, raw) {
			t.Errorf("Raw = %x, want %x", frame.Raw, raw)
		}
	})

	t.Run("need more bytes", func(t *testing.T) {
		frame, consumed, err := DecodeClientFrame(raw[:8])
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if frame != nil || consumed != 0 {
			t.Errorf("expected (nil, 0), got (%v, %d)", frame, consumed)
		}
	})

	t.Run("too short to have a header", func(t *testing.T) {
		frame, consumed, err := DecodeClientFrame([]byte{'Q', 0, 0})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if frame != nil || consumed != 0 {
			t.Errorf("expected (nil, 0), got (%v, %d)", frame, consumed)
		}
	})

	t.Run("malformed length rejected even with insufficient buffer", func(t *testing.T) {
		bad := []byte{'Q', 0, 0, 0, 2, 0xFF, 0xFF, 0xFF} // length = 2 < 4
		_, _, err := DecodeClientFrame(bad)
		if err == nil {
			t.Fatal("expected a FramingError")
		}
		if _, ok := err.(*FramingError); !ok {
			t.Errorf("err = %T, want *FramingError", err)
		}
	})

	t.Run("trailing bytes are not consumed", func(t *testing.T) {
		withTrailer := append(append([]byte{}, raw...), 'X', 0, 0, 0, 4)
		frame, consumed, err := DecodeClientFrame(withTrailer)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if consumed != len(raw) {
			t.Errorf("consumed = %d, want %d (frame only, not the trailer)", consumed, len(raw))
		}
		if !bytes.Equal(frame.Raw, raw) {
			t.Errorf("Raw should not include the trailing bytes")
		}
	})
}

func TestDecodeServerFrame(t *testing.T) {
	readyForQuery := []byte{'Z', 0, 0, 0, 5, 'I'}

	frame, consumed, err := DecodeServerFrame(readyForQuery)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != len(readyForQuery) {
		t.Errorf("consumed = %d, want %d", consumed, len(readyForQuery))
	}
	if !frame.IsReadyForQuery() {
		t.Error("IsReadyForQuery() = false, want true for tag 'Z'")
	}

	other := []byte{'C', 0, 0, 0, 9, 'S', 'E', 'L', 0}
	frame2, _, err := DecodeServerFrame(other)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame2.IsReadyForQuery() {
		t.Error("IsReadyForQuery() = true, want false for tag 'C'")
	}

	t.Run("tag 0 rejected", func(t *testing.T) {
		_, _, err := DecodeServerFrame([]byte{0, 0, 0, 0, 5, 'I'})
		if err == nil {
			t.Fatal("expected a FramingError for tag 0")
		}
	})
}

func TestEncodeIsVerbatim(t *testing.T) {
	raw := []byte{'Q', 0, 0, 0, 5, 'x'}
	f := Frame{Tag: 'Q', Raw: raw}
	if !bytes.Equal(f.Encode(), raw) {
		t.Errorf("Encode() must return the exact bytes decoded (byte-transparency)")
	}
}

func TestConservativeCompletesRequest(t *testing.T) {
	cases := map[byte]bool{'P': false, 'B': true, 'Q': true, 'S': true, 'X': true}
	for tag, want := range cases {
		if got := ConservativeCompletesRequest(tag); got != want {
			t.Errorf("ConservativeCompletesRequest(%q) = %v, want %v", tag, got, want)
		}
	}
}

func TestFullCompletesRequest(t *testing.T) {
	nonCompleting := []byte{'P', 'B', 'D', 'E', 'C', 'H'}
	for _, tag := range nonCompleting {
		if FullCompletesRequest(tag) {
			t.Errorf("FullCompletesRequest(%q) = true, want false", tag)
		}
	}
	completing := []byte{'S', 'Q', 'X'}
	for _, tag := range completing {
		if !FullCompletesRequest(tag) {
			t.Errorf("FullCompletesRequest(%q) = false, want true", tag)
		}
	}
}
