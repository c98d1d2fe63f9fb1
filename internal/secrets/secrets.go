// Package secrets encrypts and decrypts project database credentials with a
// single symmetric key supplied by the environment.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

var ErrNoKey = errors.New("encryption key not configured")

const (
	keyLen   = 32
	nonceLen = 12
	tagLen   = 16
)

var kdfSalt = []byte("rlsguard-credentials-v1")

// Box seals and opens credential blobs of the form hex(nonce):hex(tag):hex(ciphertext).
type Box struct {
	aead cipher.AEAD
}

// NewBox accepts either 64 hex characters (used as the raw key) or any other
// non-empty passphrase, which is stretched with scrypt.
func NewBox(secret string) (*Box, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNoKey
	}

	var key []byte
	if raw, err := hex.DecodeString(secret); err == nil && len(raw) == keyLen {
		key = raw
	} else {
		key, err = scrypt.Key([]byte(secret), kdfSalt, 1<<15, 8, 1, keyLen)
		if err != nil {
			return nil, fmt.Errorf("derive key: %w", err)
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

func (b *Box) Decrypt(blob string) (string, error) {
	parts := strings.Split(strings.TrimSpace(blob), ":")
	if len(parts) != 3 {
		return "", errors.New("malformed credential blob")
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceLen {
		return "", errors.New("malformed credential nonce")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagLen {
		return "", errors.New("malformed credential tag")
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", errors.New("malformed credential ciphertext")
	}

	plain, err := b.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return string(plain), nil
}
