// Package codec encrypts Temporal payloads so order and link metadata never
// reach workflow history in clear text.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	commonpb "go.temporal.io/api/common/v1"
	"go.temporal.io/sdk/converter"
	"golang.org/x/crypto/hkdf"
)

const (
	// MetadataEncodingEncrypted is the encoding type for encrypted payloads
	MetadataEncodingEncrypted = "binary/encrypted"
	// MetadataEncryptionKeyID names the ring key a payload was sealed with
	MetadataEncryptionKeyID   = "encryption-key-id"

	minKeyMaterial = 32
	hkdfInfo       = "secure-delivery/temporal-payload/v1"
)

var ErrUnknownKey = errors.New("unknown encryption key id")

// Key is one entry of a key ring. Material is the configured secret; the
// cipher key is derived from it.
type Key struct {
	ID       string
	Material []byte
}

// ParseKeys reads "id:base64material" entries. The first entry encrypts.
func ParseKeys(entries []string) ([]Key, error) {
	keys := make([]Key, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		id, encoded, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid key entry, want id:base64")
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate key id %q", id)
		}
		material, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key %q: %w", id, err)
		}
		seen[id] = true
		keys = append(keys, Key{ID: id, Material: material})
	}
	return keys, nil
}

// EncryptionCodec implements converter.PayloadCodec for encrypting/decrypting workflow data.
// Payloads are sealed with the active key and opened with whichever ring key
// their metadata names, so keys can rotate without breaking running workflows.
type EncryptionCodec struct {
	activeID string
	aeads    map[string]cipher.AEAD
}

// NewEncryptionCodec builds a codec from a key ring; keys[0] is the active key
func NewEncryptionCodec(keys []Key) (*EncryptionCodec, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one encryption key is required")
	}
	c := &EncryptionCodec{
		activeID: keys[0].ID,
		aeads:    make(map[string]cipher.AEAD, len(keys)),
	}
	for _, k := range keys {
		if len(k.Material) < minKeyMaterial {
			return nil, fmt.Errorf("key %q must be at least %d bytes, got %d bytes", k.ID, minKeyMaterial, len(k.Material))
		}
		aead, err := newAEAD(k)
		if err != nil {
			return nil, err
		}
		c.aeads[k.ID] = aead
	}
	return c, nil
}

func newAEAD(k Key) (cipher.AEAD, error) {
	derived := make([]byte, 32)
	kdf := hkdf.New(sha256.New, k.Material, []byte(k.ID), []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("failed to derive key %q: %w", k.ID, err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// ActiveKeyID returns the id new payloads are sealed with
func (e *EncryptionCodec) ActiveKeyID() string {
	return e.activeID
}

// Encode encrypts the provided payloads
func (e *EncryptionCodec) Encode(payloads []*commonpb.Payload) ([]*commonpb.Payload, error) {
	result := make([]*commonpb.Payload, len(payloads))

	for i, payload := range payloads {
		if isEncrypted(payload) {
			result[i] = payload
			continue
		}

		origBytes, err := payload.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}

		encrypted, err := e.encrypt(origBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt payload: %w", err)
		}

		result[i] = &commonpb.Payload{
			Metadata: map[string][]byte{
				"encoding":              []byte(MetadataEncodingEncrypted),
				MetadataEncryptionKeyID: []byte(e.activeID),
			},
			Data: encrypted,
		}
	}

	return result, nil
}

// Decode decrypts the provided payloads
func (e *EncryptionCodec) Decode(payloads []*commonpb.Payload) ([]*commonpb.Payload, error) {
	result := make([]*commonpb.Payload, len(payloads))

	for i, payload := range payloads {
		if !isEncrypted(payload) {
			result[i] = payload
			continue
		}

		keyID := string(payload.Metadata[MetadataEncryptionKeyID])
		decrypted, err := e.decrypt(keyID, payload.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt payload: %w", err)
		}

		result[i] = &commonpb.Payload{}
		if err := result[i].Unmarshal(decrypted); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decrypted payload: %w", err)
		}
	}

	return result, nil
}

func isEncrypted(p *commonpb.Payload) bool {
	return p.Metadata != nil && string(p.Metadata["encoding"]) == MetadataEncodingEncrypted
}

// encrypt seals data with the active key using AES-GCM
func (e *EncryptionCodec) encrypt(plaintext []byte) ([]byte, error) {
	gcm := e.aeads[e.activeID]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, []byte(e.activeID)), nil
}

// decrypt opens data with the named ring key
func (e *EncryptionCodec) decrypt(keyID string, ciphertext []byte) ([]byte, error) {
	gcm, ok := e.aeads[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// NewEncryptionDataConverter creates a data converter with encryption codec
func NewEncryptionDataConverter(keys []Key) (converter.DataConverter, error) {
	codec, err := NewEncryptionCodec(keys)
	if err != nil {
		return nil, err
	}

	return converter.NewCodecDataConverter(
		converter.GetDefaultDataConverter(),
		codec,
	), nil
}
