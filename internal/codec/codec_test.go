package codec

import (
	"encoding/json"
	"testing"
)

type testPayload struct {
	Credential string `json:"credential"`
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	c := New("test-secret", nil)
	payload := testPayload{Credential: "1.2.3.4:8080:user:pass"}

	ciphertext, ok := c.EncryptProxy(payload)
	if !ok {
		t.Fatalf("expected encryption to succeed with a configured key")
	}

	plain, err := c.DecryptProxy(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	var got testPayload
	if err := json.Unmarshal(plain, &got); err != nil {
		t.Fatalf("unmarshal decrypted payload: %v", err)
	}
	if got.Credential != payload.Credential {
		t.Fatalf("expected credential %q, got %q", payload.Credential, got.Credential)
	}
}

func TestEncryptFallsBackToPlaintextWithoutKey(t *testing.T) {
	t.Parallel()

	c := New("", nil)
	payload := testPayload{Credential: "1.2.3.4:8080"}

	value, ok := c.EncryptProxy(payload)
	if ok {
		t.Fatalf("expected ok=false when no encryption key is configured")
	}

	var got testPayload
	if err := json.Unmarshal([]byte(value), &got); err != nil {
		t.Fatalf("expected plaintext JSON fallback, got unmarshal error: %v", err)
	}
	if got.Credential != payload.Credential {
		t.Fatalf("expected credential %q, got %q", payload.Credential, got.Credential)
	}
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	t.Parallel()

	a := DeriveKey("same-secret")
	b := DeriveKey("same-secret")
	if len(a) != keyLength || len(b) != keyLength {
		t.Fatalf("expected derived keys of length %d", keyLength)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected identical derived keys for the same secret")
		}
	}
}

func TestDecryptProxyWithoutKeyErrors(t *testing.T) {
	t.Parallel()

	c := New("", nil)
	if _, err := c.DecryptProxy("anything"); err == nil {
		t.Fatalf("expected an error decrypting without a configured key")
	}
}
