package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownKey is returned when a key id cannot be resolved.
	ErrUnknownKey = errors.New("unknown key id")
	// ErrBadCiphertext is returned when decryption fails structurally.
	ErrBadCiphertext = errors.New("malformed ciphertext")
)

// KeyResolver maps a key id to its preshared secret.
type KeyResolver interface {
	Key(keyID string) ([]byte, error)
}

// Sealed is the encrypted payload unit carried inside a sync envelope. The MAC
// covering it is computed over the canonical JSON encoding of this struct, so
// field order here is part of the wire protocol.
type Sealed struct {
	Data      string `json:"data"`
	IV        string `json:"iv"`
	KeyID     string `json:"key_id"`
	Timestamp int64  `json:"timestamp"`
}

// Cipher provides AES-256-CBC sealing and HMAC-SHA256 authentication keyed by
// per-peer preshared secrets.
type Cipher struct {
	keys  KeyResolver
	nowFn func() time.Time
}

func NewCipher(keys KeyResolver) *Cipher {
	return &Cipher{keys: keys, nowFn: time.Now}
}

// Seal JSON-encodes the payload and encrypts it under the named preshared key
// with a fresh random IV.
func (c *Cipher) Seal(payload interface{}, keyID string) (Sealed, error) {
	key, err := c.keys.Key(keyID)
	if err != nil {
		return Sealed{}, err
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return Sealed{}, fmt.Errorf("encode payload: %w", err)
	}
	block, err := aes.NewCipher(normalizeKey(key))
	if err != nil {
		return Sealed{}, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("generate iv: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return Sealed{
		Data:      base64.StdEncoding.EncodeToString(ciphertext),
		IV:        base64.StdEncoding.EncodeToString(iv),
		KeyID:     keyID,
		Timestamp: c.nowFn().Unix(),
	}, nil
}

// Open decrypts a sealed payload using the key named by the caller. The key id
// comes from the trust store entry for the sender, never from the envelope, so
// a forged key_id cannot redirect key selection.
func (c *Cipher) Open(sealed Sealed, keyID string) ([]byte, error) {
	key, err := c.keys.Key(keyID)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	iv, err := base64.StdEncoding.DecodeString(sealed.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	if len(iv) != aes.BlockSize || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadCiphertext
	}
	block, err := aes.NewCipher(normalizeKey(key))
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return unpadded, nil
}

// MAC computes the hex HMAC-SHA256 over the sealed payload's canonical JSON.
func (c *Cipher) MAC(sealed Sealed, keyID string) (string, error) {
	key, err := c.keys.Key(keyID)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(sealed)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(encoded)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyMAC recomputes the MAC and compares in constant time.
func (c *Cipher) VerifyMAC(sealed Sealed, providedMAC, keyID string) (bool, error) {
	expected, err := c.MAC(sealed, keyID)
	if err != nil {
		return false, err
	}
	provided, err := hex.DecodeString(providedMAC)
	if err != nil {
		return false, nil
	}
	expectedBytes, _ := hex.DecodeString(expected)
	return hmac.Equal(provided, expectedBytes), nil
}

// normalizeKey fits a preshared secret to the AES-256 key size: longer secrets
// are truncated, shorter ones zero-padded. This mirrors how the peer nodes
// derive their cipher keys, so it cannot change without a network-wide rollout.
func normalizeKey(key []byte) []byte {
	const size = 32
	out := make([]byte, size)
	copy(out, key)
	return out
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadCiphertext
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, ErrBadCiphertext
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, ErrBadCiphertext
		}
	}
	return data[:len(data)-padding], nil
}
