package decode

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"embedres/internal/media"
)

// Cipher names an AEAD construction.
type Cipher string

const (
	AES256GCM         Cipher = "aes-256-gcm"
	ChaCha20Poly1305  Cipher = "chacha20-poly1305"
	XChaCha20Poly1305 Cipher = "xchacha20-poly1305"
)

const tagSize = 16

// ErrUnknownKey means a CipherJSON candidate names a key id with no secret.
var ErrUnknownKey = fmt.Errorf("%w: unknown key id", ErrMalformed)

// Secret is the passphrase behind a key id. The AEAD key is its SHA-256.
type Secret struct {
	Passphrase string `toml:"passphrase"`
	Cipher     Cipher `toml:"cipher"`
}

// KeyRing maps key ids to secrets. It is filled at startup and read-only
// afterwards.
type KeyRing struct {
	secrets map[string]Secret
}

// NewKeyRing returns an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{secrets: make(map[string]Secret)}
}

// Add registers a secret under id. The cipher defaults to AES-256-GCM.
func (k *KeyRing) Add(id string, s Secret) error {
	if id == "" {
		return errors.New("key id cannot be empty")
	}
	if s.Passphrase == "" {
		return errors.Errorf("key %q has an empty passphrase", id)
	}
	if s.Cipher == "" {
		s.Cipher = AES256GCM
	}
	s.Cipher = Cipher(strings.ToLower(string(s.Cipher)))
	switch s.Cipher {
	case AES256GCM, ChaCha20Poly1305, XChaCha20Poly1305:
	default:
		return errors.Errorf("key %q: unsupported cipher %q", id, s.Cipher)
	}
	k.secrets[id] = s
	return nil
}

// Len reports the number of keys.
func (k *KeyRing) Len() int { return len(k.secrets) }

func (k *KeyRing) aead(id string, nonceSize int) (cipher.AEAD, error) {
	s, ok := k.secrets[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKey, "%q", id)
	}
	key := sha256.Sum256([]byte(s.Passphrase))

	switch s.Cipher {
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key[:])
	case XChaCha20Poly1305:
		return chacha20poly1305.NewX(key[:])
	default:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, err
		}
		if nonceSize <= 0 {
			return cipher.NewGCM(block)
		}
		return cipher.NewGCMWithNonceSize(block, nonceSize)
	}
}

// envelope is the JSON object carried base64-encoded in a CipherJSON payload.
// Some sites call the tag "mac".
type envelope struct {
	IV    string `json:"iv"`
	Value string `json:"value"`
	Tag   string `json:"tag,omitempty"`
	Mac   string `json:"mac,omitempty"`
}

// CipherStrategy decrypts CipherJSON payloads with keys from a KeyRing.
type CipherStrategy struct {
	Keys *KeyRing
}

func (s *CipherStrategy) Decode(c media.Candidate) (*Payload, error) {
	plain, err := s.Open(c.Encoding.Param, c.RawPayload)
	if err != nil {
		return nil, err
	}
	return parseLinkText(string(plain), c.Origin)
}

// Open verifies and decrypts a payload. Tag failures are ErrAuthFailed; the
// caller must not retry with another key.
func (s *CipherStrategy) Open(keyID, payload string) ([]byte, error) {
	outer, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "cipher envelope: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(outer, &env); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "cipher envelope: %v", err)
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) == 0 {
		return nil, errors.Wrap(ErrMalformed, "cipher envelope: bad iv")
	}
	value, err := base64.StdEncoding.DecodeString(env.Value)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "cipher envelope: bad value")
	}
	rawTag := env.Tag
	if rawTag == "" {
		rawTag = env.Mac
	}
	if rawTag == "" {
		return nil, errors.Wrap(ErrMalformed, "cipher envelope: missing tag")
	}
	tag, err := base64.StdEncoding.DecodeString(rawTag)
	if err != nil {
		return nil, errors.Wrap(ErrAuthFailed, "cipher envelope: tag is not base64")
	}
	if len(tag) != tagSize {
		return nil, errors.Wrapf(ErrAuthFailed, "tag is %d bytes", len(tag))
	}

	aead, err := s.Keys.aead(keyID, len(iv))
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, errors.Wrapf(ErrMalformed, "iv is %d bytes, cipher wants %d", len(iv), aead.NonceSize())
	}

	sealed := make([]byte, 0, len(value)+len(tag))
	sealed = append(sealed, value...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(ErrAuthFailed, err.Error())
	}
	return plain, nil
}

// Seal produces a CipherJSON payload for plaintext. It is the inverse of Open
// and is used to build fixtures.
func (s *CipherStrategy) Seal(keyID string, plaintext []byte) (string, error) {
	aead, err := s.Keys.aead(keyID, 0)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	cut := len(sealed) - aead.Overhead()

	env, err := json.Marshal(envelope{
		IV:    base64.StdEncoding.EncodeToString(iv),
		Value: base64.StdEncoding.EncodeToString(sealed[:cut]),
		Tag:   base64.StdEncoding.EncodeToString(sealed[cut:]),
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(env), nil
}
