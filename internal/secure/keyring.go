// Package secure holds the symmetric at-rest encryption used for message
// content. Every conversation owns a random key; when a master key is
// configured the conversation keys are themselves sealed with it before
// they reach the database.
package secure

import (
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/juju/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const wrappedPrefix = "w1:"

// Keyring creates, wraps and uses conversation keys.
type Keyring struct {
	master []byte
	rand   io.Reader
}

// NewKeyring returns a keyring. masterKey is an optional base64 encoded
// 32 byte key.
func NewKeyring(masterKey string) (*Keyring, error) {
	k := &Keyring{rand: rand.Reader}
	if masterKey == "" {
		return k, nil
	}
	b, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return nil, errors.NewNotValid(err, "master key is not base64")
	}
	if len(b) != chacha20poly1305.KeySize {
		return nil, errors.NotValidf("master key length %d", len(b))
	}
	k.master = b
	return k, nil
}

// NewKey generates a conversation key in its stored form.
func (k *Keyring) NewKey() (string, error) {
	raw := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(k.rand, raw); err != nil {
		return "", errors.Trace(err)
	}
	if k.master == nil {
		return base64.StdEncoding.EncodeToString(raw), nil
	}
	sealed, err := seal(k.master, raw, k.rand)
	if err != nil {
		return "", errors.Trace(err)
	}
	return wrappedPrefix + sealed, nil
}

// Seal encrypts plaintext with the stored conversation key.
func (k *Keyring) Seal(storedKey, plaintext string) (string, error) {
	key, err := k.unwrap(storedKey)
	if err != nil {
		return "", errors.Trace(err)
	}
	return seal(key, []byte(plaintext), k.rand)
}

// Open decrypts ciphertext produced by Seal.
func (k *Keyring) Open(storedKey, ciphertext string) (string, error) {
	key, err := k.unwrap(storedKey)
	if err != nil {
		return "", errors.Trace(err)
	}
	b, err := open(key, ciphertext)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(b), nil
}

func (k *Keyring) unwrap(stored string) ([]byte, error) {
	if len(stored) > len(wrappedPrefix) && stored[:len(wrappedPrefix)] == wrappedPrefix {
		if k.master == nil {
			return nil, errors.New("conversation key is wrapped but no master key is configured")
		}
		return open(k.master, stored[len(wrappedPrefix):])
	}
	b, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil, errors.Annotate(err, "decoding conversation key")
	}
	if len(b) != chacha20poly1305.KeySize {
		return nil, errors.Errorf("conversation key length %d", len(b))
	}
	return b, nil
}

func seal(key, plaintext []byte, r io.Reader) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(r, nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func open(key []byte, ciphertext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, errors.Annotate(err, "decoding ciphertext")
	}
	if len(b) < aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	return aead.Open(nil, b[:aead.NonceSize()], b[aead.NonceSize():], nil)
}
