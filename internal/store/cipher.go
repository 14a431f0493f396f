package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/kv"
)

const (
	masterKeySize = 32
	nonceSize     = 12
	// An encrypted field is stored as {"$enc": "v1:<base64 nonce+sealed>"}.
	encField      = "$enc"
	encVersion    = "v1:"
	masterKeyName = "master"
)

// KeyStore persists the master encryption key in the platform's secure
// key/value storage.
type KeyStore interface {
	// LoadKey returns apperr.ErrNotFound when no key has been stored yet.
	LoadKey() ([]byte, error)
	SaveKey(key []byte) error
}

// KVKeyStore keeps the master key in the kv key namespace.
type KVKeyStore struct {
	store *kv.Store
}

func NewKVKeyStore(store *kv.Store) *KVKeyStore {
	return &KVKeyStore{store: store}
}

func (k *KVKeyStore) LoadKey() ([]byte, error) {
	return k.store.Get(kv.NSKey, masterKeyName)
}

func (k *KVKeyStore) SaveKey(key []byte) error {
	return k.store.Set(kv.NSKey, masterKeyName, key, 0)
}

// LoadOrCreateKey returns the stored master key, generating and saving one on
// first use.
func LoadOrCreateKey(ks KeyStore) ([]byte, error) {
	key, err := ks.LoadKey()
	if err == nil {
		if len(key) != masterKeySize {
			return nil, fmt.Errorf("stored master key has %d bytes, want %d", len(key), masterKeySize)
		}
		return key, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	key = make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := ks.SaveKey(key); err != nil {
		return nil, fmt.Errorf("save master key: %w", err)
	}
	return key, nil
}

// fieldCipher encrypts individual field values with AES-256-GCM. The field key
// is derived from the master key per scope (user), so one user's rows cannot
// be opened with another user's key.
type fieldCipher struct {
	gcm cipher.AEAD
}

func newFieldCipher(master []byte, scope string) (*fieldCipher, error) {
	if len(master) != masterKeySize {
		return nil, errors.New("master key must be 32 bytes")
	}
	derived := make([]byte, masterKeySize)
	r := hkdf.New(sha256.New, master, nil, []byte("offline-sync-core/field/"+scope))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("derive field key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &fieldCipher{gcm: gcm}, nil
}

func (c *fieldCipher) encrypt(v any) (map[string]any, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := c.gcm.Seal(nonce, nonce, plain, nil)
	return map[string]any{encField: encVersion + base64.StdEncoding.EncodeToString(sealed)}, nil
}

func (c *fieldCipher) decrypt(v any) (any, error) {
	s, ok := sealedText(v)
	if !ok {
		return nil, errors.New("value is not an encrypted field")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, encVersion))
	if err != nil {
		return nil, err
	}
	if len(raw) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	plain, err := c.gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sealedText(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	s, ok := m[encField].(string)
	return s, ok && strings.HasPrefix(s, encVersion)
}

func isEncrypted(v any) bool {
	_, ok := sealedText(v)
	return ok
}
