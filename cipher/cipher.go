// Package cipher declares the decrypt boundary the worker pool calls through
// (spec §1: "Cryptographic primitives ... specified as an opaque operation")
// and provides one concrete AEAD implementation so the module compiles and is
// testable end to end. The concrete implementation is not the subject of this
// specification and may be swapped for another Decrypter without touching any
// other package.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// Status is the outcome of a decrypt attempt.
type Status int

const (
	// Valid indicates the ciphertext decrypted successfully and the
	// envelope (counter + payload) was well formed.
	Valid Status = iota
	// InvalidKey indicates the ciphertext failed to authenticate under
	// the supplied key; spec §4.7 step 4 treats this as rekey-worthy.
	InvalidKey
	// Malformed indicates the ciphertext is too short to hold the nonce,
	// tag and counter prefix, or the decrypted envelope lacks the counter
	// prefix.
	Malformed
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case InvalidKey:
		return "invalid_key"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Decrypter is the external collaborator named in spec §1. Decrypt takes the
// agent's raw key and a ciphertext payload and returns the recovered
// cleartext plus the monotone counter carried inside the envelope.
type Decrypter interface {
	Decrypt(rawKey, ciphertext []byte) (cleartext []byte, counter uint64, status Status)
}

const (
	nonceSize = 12
	tagSize   = 16
	// counterSize is the width of the big-endian counter prefix embedded
	// in the cleartext envelope by Encrypt, mirroring the wire format the
	// original system carries as "msgcounter:payload" ahead of the actual
	// message body.
	counterSize = 8
)

// AEAD is the concrete Decrypter implementation: AES-GCM over
// nonce || tag || ciphertext, with an 8-byte big-endian counter prefixed to
// the plaintext before sealing. Grounded on the nonce/tag layout used by
// R2Northstar-Atlas's pkg/a2s (r2cryptoEncrypt/r2cryptoDecrypt).
type AEAD struct{}

// NewAEAD returns the default Decrypter.
func NewAEAD() AEAD { return AEAD{} }

// Decrypt implements Decrypter.
func (AEAD) Decrypt(rawKey, ciphertext []byte) ([]byte, uint64, Status) {
	if len(ciphertext) < nonceSize+tagSize+counterSize {
		return nil, 0, Malformed
	}

	block, err := aes.NewCipher(normalizeKey(rawKey))
	if err != nil {
		return nil, 0, InvalidKey
	}
	gcm, err := stdcipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, 0, InvalidKey
	}

	nonce := ciphertext[:nonceSize]
	// a2s-style layout: nonce || tag || ciphertext; Go's GCM wants
	// ciphertext || tag, so reassemble before calling Open.
	tag := ciphertext[nonceSize : nonceSize+tagSize]
	body := ciphertext[nonceSize+tagSize:]
	sealed := make([]byte, 0, len(body)+tagSize)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, 0, InvalidKey
	}
	if len(plain) < counterSize {
		return nil, 0, Malformed
	}

	counter := binary.BigEndian.Uint64(plain[:counterSize])
	return plain[counterSize:], counter, Valid
}

// Encrypt is the inverse of Decrypt, provided for tests and for any local
// tooling that needs to produce agent-shaped traffic.
func (AEAD) Encrypt(rawKey []byte, counter uint64, cleartext []byte) ([]byte, error) {
	block, err := aes.NewCipher(normalizeKey(rawKey))
	if err != nil {
		return nil, errors.Wrap(err, "build aes cipher")
	}
	gcm, err := stdcipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, errors.Wrap(err, "build gcm")
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "read nonce")
	}

	plain := make([]byte, counterSize+len(cleartext))
	binary.BigEndian.PutUint64(plain[:counterSize], counter)
	copy(plain[counterSize:], cleartext)

	sealed := gcm.Seal(nil, nonce, plain, nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(body))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, body...)
	return out, nil
}

// normalizeKey derives a 32-byte AES-256 key from whatever raw key material
// was configured for the agent, the same way xtaci-kcptun/server/main.go
// derives its session key with pbkdf2.Key(..., sha1.New) before selecting a
// block cipher.
func normalizeKey(rawKey []byte) []byte {
	return pbkdf2.Key(rawKey, []byte("agentsec-keystore"), 4096, 32, sha1.New)
}

// DeriveKey is exported so keystore/keyfile code can validate configured key
// material up front instead of deferring the error to first use.
func DeriveKey(rawKey []byte) ([]byte, error) {
	if len(rawKey) == 0 {
		return nil, fmt.Errorf("cipher: empty raw key")
	}
	return normalizeKey(rawKey), nil
}
