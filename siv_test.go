package vaultfs

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestSIVSealOpen(t *testing.T) {
	key := make([]byte, 64)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	siv, err := newSIVCipher(key)
	if err != nil {
		t.Fatalf("Failed to create SIV cipher: %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
		ad        [][]byte
	}{
		{name: "simple text", plaintext: []byte("Hello, World!")},
		{name: "empty plaintext", plaintext: []byte("")},
		{
			name:      "with AD",
			plaintext: []byte("secret message"),
			ad:        [][]byte{[]byte("context1"), []byte("context2")},
		},
		{name: "long plaintext", plaintext: bytes.Repeat([]byte("A"), 1000)},
		{name: "single byte", plaintext: []byte("x")},
		{name: "exactly one block", plaintext: bytes.Repeat([]byte("B"), 16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := siv.seal(tt.plaintext, tt.ad...)
			if err != nil {
				t.Fatalf("seal failed: %v", err)
			}
			if len(ciphertext) != len(tt.plaintext)+16 {
				t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(tt.plaintext)+16)
			}

			decrypted, err := siv.open(ciphertext, tt.ad...)
			if err != nil {
				t.Fatalf("open failed: %v", err)
			}
			if !bytes.Equal(decrypted, tt.plaintext) {
				t.Errorf("round trip mismatch:\ngot:  %q\nwant: %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestSIVVector(t *testing.T) {
	// RFC 5297 publishes vectors only for the 128-bit key halves, not
	// the 256-bit halves this package uses, so pin the properties the
	// filename layer depends on instead: determinism under one key and
	// separation between keys.
	key1 := bytes.Repeat([]byte{0x01}, 64)
	key2 := bytes.Repeat([]byte{0x02}, 64)

	sivA, err := newSIVCipher(key1)
	if err != nil {
		t.Fatalf("Failed to create SIV cipher: %v", err)
	}
	sivB, err := newSIVCipher(key2)
	if err != nil {
		t.Fatalf("Failed to create SIV cipher: %v", err)
	}

	plaintext := []byte("determinism check")
	c1, _ := sivA.seal(plaintext)
	c2, _ := sivA.seal(plaintext)
	c3, _ := sivB.seal(plaintext)

	if !bytes.Equal(c1, c2) {
		t.Error("same key and plaintext produced different ciphertexts")
	}
	if bytes.Equal(c1, c3) {
		t.Error("different keys produced identical ciphertexts")
	}
}

func TestSIVTamperDetected(t *testing.T) {
	key := make([]byte, 64)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	siv, err := newSIVCipher(key)
	if err != nil {
		t.Fatalf("Failed to create SIV cipher: %v", err)
	}

	ciphertext, err := siv.seal([]byte("tamper target"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	for i := range ciphertext {
		corrupted := append([]byte(nil), ciphertext...)
		corrupted[i] ^= 0x40
		if _, err := siv.open(corrupted); err == nil {
			t.Fatalf("flipping byte %d went undetected", i)
		}
	}

	// Wrong associated data must also fail.
	withAD, err := siv.seal([]byte("bound"), []byte("right"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := siv.open(withAD, []byte("wrong")); err == nil {
		t.Error("mismatched associated data went undetected")
	}
}

func TestSIVKeySize(t *testing.T) {
	for _, size := range []int{0, 16, 32, 63, 65} {
		if _, err := newSIVCipher(make([]byte, size)); err == nil {
			t.Errorf("key size %d accepted, want error", size)
		}
	}
}
