package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Envelope parameters. Argon2id settings follow the RFC 9106 low-memory
// recommendation; bumping them requires a version bump so old blobs still
// open.
const (
	envelopeVersion = 1
	kdfArgon2id     = "argon2id"
	encAESGCM       = "aes-256-gcm"

	saltLen      = 16
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
)

// envelope is the on-disk format of an encrypted secret. Byte fields
// marshal as base64.
type envelope struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Cipher     string `json:"cipher"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	CipherText []byte `json:"ciphertext"`
}

func deriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, keyLen)
}

// seal encrypts plaintext under a key derived from secret. The additional
// data is bound into the GCM tag, so a blob copied between users fails to
// open.
func seal(secret, plaintext, additionalData []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(secret, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	env := envelope{
		Version:    envelopeVersion,
		KDF:        kdfArgon2id,
		Cipher:     encAESGCM,
		Salt:       salt,
		Nonce:      nonce,
		CipherText: gcm.Seal(nil, nonce, plaintext, additionalData),
	}

	return json.Marshal(env)
}

// open decrypts a blob produced by seal
func open(secret, blob, additionalData []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	if env.KDF != kdfArgon2id {
		return nil, fmt.Errorf("unsupported kdf %q", env.KDF)
	}

	block, err := aes.NewCipher(deriveKey(secret, env.Salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.CipherText, additionalData)
	if err != nil {
		return nil, fmt.Errorf("decrypt envelope: %w", err)
	}

	return plaintext, nil
}
