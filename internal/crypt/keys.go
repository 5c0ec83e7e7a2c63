package crypt

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"site-backup/internal/config"
)

// PBKDF2Iterations is the work factor for passphrase derived keys
const PBKDF2Iterations = 100000

type keyMode byte

const (
	modeRawKey     keyMode = 1
	modePassphrase keyMode = 2
)

func (m keyMode) String() string {
	switch m {
	case modeRawKey:
		return "raw key"
	case modePassphrase:
		return "passphrase"
	default:
		return fmt.Sprintf("unknown key mode %d", byte(m))
	}
}

// KeySource yields the AES-256 key for a file given its salt. Raw keys ignore the salt.
type KeySource interface {
	Key(salt []byte) ([]byte, error)
	mode() keyMode
}

type rawKey []byte

func (k rawKey) Key([]byte) ([]byte, error) { return k, nil }
func (rawKey) mode() keyMode                { return modeRawKey }

type passphrase []byte

func (p passphrase) Key(salt []byte) ([]byte, error) {
	return pbkdf2.Key(p, salt, PBKDF2Iterations, keySize, sha256.New), nil
}
func (passphrase) mode() keyMode { return modePassphrase }

// RawKey wraps a 32 byte key
func RawKey(key []byte) (KeySource, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}
	return rawKey(append([]byte(nil), key...)), nil
}

// Passphrase derives a key per file with PBKDF2-SHA256
func Passphrase(secret string) (KeySource, error) {
	if secret == "" {
		return nil, errors.New("passphrase is empty")
	}
	return passphrase(secret), nil
}

// LoadKeyFromEnv reads a hex encoded 32 byte key from the environment variable
func LoadKeyFromEnv(name string) (KeySource, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil, fmt.Errorf("environment variable %s is not set", name)
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("environment variable %s is not valid hex: %w", name, err)
	}
	return RawKey(key)
}

// LoadKeyFromFile reads a raw 32 byte key file
func LoadKeyFromFile(path string) (KeySource, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return RawKey(key)
}

// LoadPassphraseFromEnv reads the passphrase from the environment variable
func LoadPassphraseFromEnv(name string) (KeySource, error) {
	value := os.Getenv(name)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s is not set", name)
	}
	return Passphrase(value)
}

// KeySourceFromConfig resolves the single configured key source
func KeySourceFromConfig(cfg config.EncryptionConfig) (KeySource, error) {
	switch {
	case cfg.KeyEnv != "":
		return LoadKeyFromEnv(cfg.KeyEnv)
	case cfg.KeyFile != "":
		return LoadKeyFromFile(cfg.KeyFile)
	case cfg.PassphraseEnv != "":
		return LoadPassphraseFromEnv(cfg.PassphraseEnv)
	default:
		return nil, errors.New("no encryption key source configured")
	}
}
