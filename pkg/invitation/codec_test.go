package invitation

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
		opts Options
	}{
		{"space default", KindSpace, Options{}},
		{"device none", KindDevice, Options{AuthMethod: AuthMethodNone}},
		{"timeout", KindSpace, Options{Timeout: 90 * time.Second}},
		{"max timeout", KindDevice, Options{Timeout: MaxTimeout}},
		{"multi-use", KindSpace, Options{MultiUse: true, Timeout: time.Millisecond}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				d, err := New(tc.kind, tc.opts)
				if err != nil {
					t.Fatalf("New() error: %v", err)
				}

				code := Encode(d)
				if !strings.HasPrefix(code, CodePrefix) {
					t.Fatalf("code %q lacks prefix", code)
				}

				got, err := Decode(code)
				if err != nil {
					t.Fatalf("Decode(%q) error: %v", code, err)
				}
				if !got.Equal(d) {
					t.Fatalf("round trip mismatch:\n got  %v\n want %v", got, d)
				}
				if got.ID() != d.ID() || got.Kind() != d.Kind() ||
					got.AuthMethod() != d.AuthMethod() || got.Timeout() != d.Timeout() ||
					got.MultiUse() != d.MultiUse() || got.RendezvousKey() != d.RendezvousKey() ||
					got.SwarmKey() != d.SwarmKey() {
					t.Fatal("field mismatch after round trip")
				}
			}
		})
	}
}

func TestDecodeCaseInsensitive(t *testing.T) {
	d, _ := New(KindSpace, Options{})
	got, err := Decode("  " + strings.ToLower(Encode(d)) + "\n")
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if !got.Equal(d) {
		t.Error("lowercase code decoded to a different descriptor")
	}
}

func TestDecodeErrors(t *testing.T) {
	d, _ := New(KindSpace, Options{})
	valid := Encode(d)
	body := valid[len(CodePrefix):]

	withHeader := func(mutate func(hdr []byte)) string {
		data, err := base38Decode(body)
		if err != nil {
			t.Fatal(err)
		}
		mutate(data[:headerBytes])
		return CodePrefix + base38Encode(data)
	}

	tests := []struct {
		name string
		code string
		want error
	}{
		{"empty", "", ErrCodeInvalidPrefix},
		{"wrong prefix", "MT:" + body, ErrCodeInvalidPrefix},
		{"too short", CodePrefix + body[:50], ErrCodeTooShort},
		{"bad char", CodePrefix + "!!" + body[2:], ErrBase38InvalidChar},
		{"version", withHeader(func(h []byte) { h[0] |= 0x01 }), ErrInvalidVersion},
		{"padding", withHeader(func(h []byte) { h[5] = 0x80 }), ErrCodeInvalidPadding},
		{"kind", withHeader(func(h []byte) { h[0] &^= 0x18 }), ErrInvalidKind},
		{"auth", withHeader(func(h []byte) { h[0] &^= 0x60 }), ErrInvalidAuthMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.code)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeTamperedKey(t *testing.T) {
	d, _ := New(KindSpace, Options{})
	data, err := base38Decode(Encode(d)[len(CodePrefix):])
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0x01

	if _, err := Decode(CodePrefix + base38Encode(data)); !errors.Is(err, ErrSwarmKeyMismatch) {
		t.Errorf("Decode() error = %v, want ErrSwarmKeyMismatch", err)
	}
}

func TestURLRoundTrip(t *testing.T) {
	d, _ := New(KindDevice, Options{Timeout: time.Minute})

	u, err := EncodeURL(d, "https://example.org/join?lang=en")
	if err != nil {
		t.Fatalf("EncodeURL() error: %v", err)
	}
	if !strings.Contains(u, "lang=en") || !strings.Contains(u, URLParam+"=") {
		t.Errorf("EncodeURL() = %q", u)
	}

	got, err := DecodeURL(u)
	if err != nil {
		t.Fatalf("DecodeURL() error: %v", err)
	}
	if !got.Equal(d) {
		t.Error("url round trip mismatch")
	}

	// A bare code is accepted too.
	if got, err := DecodeURL(Encode(d)); err != nil || !got.Equal(d) {
		t.Errorf("DecodeURL(code) = %v, %v", got, err)
	}

	if _, err := DecodeURL("https://example.org/join"); !errors.Is(err, ErrURLMissingCode) {
		t.Errorf("DecodeURL(no param) error = %v", err)
	}
}
