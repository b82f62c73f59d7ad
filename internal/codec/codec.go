// Package codec encrypts proxy credentials before they go out over the
// wire. Key derivation matches the original deployment's scheme exactly
// (PBKDF2-HMAC-SHA256, fixed salt, 100k iterations, 32-byte key); the
// authenticated-encryption primitive itself is AES-GCM rather than
// Fernet's AES-CBC+HMAC composite, since the contract only requires
// "symmetric authenticated encryption" and a URL-safe base64 envelope, not
// Fernet's specific token format.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/pbkdf2"
)

// staticSalt matches the original deployment's fixed salt. Keeping it
// fixed (rather than per-message random) is what lets every broker
// instance derive the same key from ENCRYPTION_KEY without a shared KDF
// salt store; the secrecy of the derived key rests entirely on
// ENCRYPTION_KEY, not on the salt.
var staticSalt = []byte("proxycare_static_salt_value")

const (
	pbkdf2Iterations = 100_000
	keyLength        = 32
)

// DeriveKey derives the AES-256 key used to encrypt proxy credentials.
func DeriveKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), staticSalt, pbkdf2Iterations, keyLength, sha256.New)
}

// Codec encrypts/decrypts the "proxy" payload field sent to clients.
type Codec struct {
	key []byte
	log *slog.Logger
}

// New builds a Codec from the raw ENCRYPTION_KEY secret. An empty secret
// is valid: EncryptProxy will then always fall through to plaintext.
func New(secret string, log *slog.Logger) *Codec {
	if log == nil {
		log = slog.Default()
	}
	var key []byte
	if secret != "" {
		key = DeriveKey(secret)
	}
	return &Codec{key: key, log: log.With(slog.String("component", "codec"))}
}

// EncryptProxy encrypts the JSON encoding of payload and returns a
// URL-safe base64 ciphertext plus whether encryption actually succeeded.
// With no key configured it returns the plaintext JSON with ok=false and
// logs nothing; on a cipher or nonce error it logs and returns the
// plaintext JSON with ok=false; if payload cannot be marshalled it logs and
// returns an empty string with ok=false. The broker prefers sending an
// unencrypted proxy over dropping the dispatch entirely.
func (c *Codec) EncryptProxy(payload any) (value string, ok bool) {
	plain, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("marshal proxy payload for encryption", slog.String("error", err.Error()))
		return "", false
	}

	if len(c.key) == 0 {
		return string(plain), false
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		c.log.Error("build aes cipher", slog.String("error", err.Error()))
		return string(plain), false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		c.log.Error("build gcm", slog.String("error", err.Error()))
		return string(plain), false
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		c.log.Error("read nonce", slog.String("error", err.Error()))
		return string(plain), false
	}

	sealed := gcm.Seal(nonce, nonce, plain, nil)
	return base64.URLEncoding.EncodeToString(sealed), true
}

// DecryptProxy reverses EncryptProxy. The broker's own request paths never
// call it: sessions only ever encrypt outbound.
func (c *Codec) DecryptProxy(encoded string) ([]byte, error) {
	if len(c.key) == 0 {
		return nil, fmt.Errorf("codec: no encryption key configured")
	}
	sealed, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("build aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}
