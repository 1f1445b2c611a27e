package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var sealingKey []byte

const sealingSalt = "clientmanager-totp-secret"

var ErrSealingNotConfigured = errors.New("secret sealing not configured")

// ConfigureSealing derives the AES-256 key used for TOTP secrets at rest from
// the application secret key.
func ConfigureSealing(secret string) {
	if secret == "" {
		return
	}
	reader := hkdf.New(sha256.New, []byte(secret), []byte(sealingSalt), []byte("totp-secret-key"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		panic(fmt.Sprintf("failed to derive sealing key: %v", err))
	}
	sealingKey = key
}

func newGCM() (cipher.AEAD, error) {
	if sealingKey == nil {
		return nil, ErrSealingNotConfigured
	}
	block, err := aes.NewCipher(sealingKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func SealSecret(plaintext string) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func OpenSecret(sealed string) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("sealed secret too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// OpenOrPlaintext tolerates secrets stored before sealing was configured.
func OpenOrPlaintext(value string) string {
	if value == "" {
		return ""
	}
	opened, err := OpenSecret(value)
	if err != nil {
		return value
	}
	return opened
}
