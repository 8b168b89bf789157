package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestRoundTrip(t *testing.T) {
	c, err := New(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	enc, err := c.EncryptString("oauth-access-token-value")
	if err != nil {
		t.Fatal(err)
	}
	if enc == "oauth-access-token-value" {
		t.Fatal("ciphertext equals plaintext")
	}
	dec, err := c.DecryptString(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != "oauth-access-token-value" {
		t.Fatalf("got %q", dec)
	}
}

func TestNonceUniqueness(t *testing.T) {
	c, err := New(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.EncryptString("same")
	b, _ := c.EncryptString("same")
	if a == b {
		t.Fatal("two encryptions produced identical ciphertext")
	}
}

func TestBadKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("empty key accepted")
	}
	if _, err := New("not-base64!!!"); err == nil {
		t.Error("non-base64 key accepted")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := New(short); err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("short key accepted: %v", err)
	}
}

func TestTamperDetection(t *testing.T) {
	c, err := New(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	enc, err := c.EncryptString("secret")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.StdEncoding.DecodeString(enc)
	raw[len(raw)-1] ^= 0xff
	if _, err := c.DecryptString(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("tampered ciphertext decrypted")
	}
}

func TestWrongKey(t *testing.T) {
	c1, _ := New(testKey(t))
	c2, _ := New(testKey(t))
	enc, _ := c1.EncryptString("secret")
	if _, err := c2.DecryptString(enc); err == nil {
		t.Fatal("decryption with wrong key succeeded")
	}
}
