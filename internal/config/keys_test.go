package config

import (
	"testing"
)

func TestGeneratePrivateKey(t *testing.T) {
	t.Parallel()

	k1, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	k2, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}

	if k1 == k2 {
		t.Error("two generated keys are identical")
	}
	if k1.IsZero() {
		t.Error("generated key is zero")
	}

	// RFC 7748 clamping.
	if k1[0]&7 != 0 {
		t.Error("low bits not cleared")
	}
	if k1[31]&128 != 0 {
		t.Error("high bit not cleared")
	}
	if k1[31]&64 == 0 {
		t.Error("bit 6 not set")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()

	k, err := GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseKey(k.String())
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if parsed != k {
		t.Error("round-tripped key differs")
	}
}

func TestParseKeyInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"wrong length", "aGVsbG8="},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseKey(tt.in); err == nil {
				t.Errorf("ParseKey(%q) succeeded, want error", tt.in)
			}
		})
	}
}

func TestPublicKeyDerivation(t *testing.T) {
	t.Parallel()

	priv, err := GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	pub1 := PublicKey(priv)
	pub2 := PublicKey(priv)
	if pub1 != pub2 {
		t.Error("public key derivation is not deterministic")
	}
	if pub1 == priv {
		t.Error("public key equals private key")
	}
}

func TestKeyTextMarshalling(t *testing.T) {
	t.Parallel()

	k, err := GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	text, err := k.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	var back Key
	if err := back.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}
	if back != k {
		t.Error("text round-trip changed the key")
	}
}
