package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Envelope is a self-describing authenticated-encryption record wrapping a
// secret. All fields are base64.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Tag        string `json:"tag"`
	Algorithm  string `json:"algorithm"`
}

const envelopeAlgorithm = "aes-256-gcm"

// masterKeyCheckPlaintext is sealed under the master key at init time so a
// wrong key is detected before any secret is touched.
const masterKeyCheckPlaintext = "foreman:master-key-check:v1"

// DeriveKey turns an operator passphrase into a 32-byte AES key.
func DeriveKey(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

func sealEnvelope(key, plaintext []byte) (Envelope, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("credential: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("credential: init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("credential: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	return Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:tagStart]),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(sealed[tagStart:]),
		Algorithm:  envelopeAlgorithm,
	}, nil
}

func openEnvelope(key []byte, env Envelope) ([]byte, error) {
	if env.Algorithm != envelopeAlgorithm {
		return nil, fmt.Errorf("credential: unsupported envelope algorithm %q", env.Algorithm)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("credential: decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("credential: decode nonce: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("credential: decode tag: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: init gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrCrypto
	}
	return plaintext, nil
}
