package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"volunteer-auth-service/internal/config"
	"volunteer-auth-service/internal/util"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash     = errors.New("invalid hash format")
	ErrUnknownPepper   = errors.New("pepper version not found")
	ErrInvalidCodeSize = errors.New("code length out of range")
)

const otpContext = "volunteer-otp"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value   string
	Version int
}

// Hasher digests one-time codes with argon2id, a per-hash salt and a
// versioned pepper. Peppers come from configuration so every replica can
// verify a challenge issued by any other.
type Hasher struct {
	params  Argon2Params
	current Pepper
	peppers map[int]string
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}
	return NewHasherWithPeppers(params, cfg.Hashing.Peppers)
}

// NewHasherWithPeppers builds a hasher from an ordered pepper ring, newest
// first. The newest pepper gets the highest version number. An empty ring
// gets a random process-local pepper, which is only usable with one replica.
func NewHasherWithPeppers(params Argon2Params, ring []string) *Hasher {
	if len(ring) == 0 {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			util.Fatal("Failed to generate pepper", util.ErrorField(err))
		}
		ring = []string{base64.RawURLEncoding.EncodeToString(buf)}
		util.Warn("No OTP pepper configured, using an ephemeral one")
	}

	h := &Hasher{params: params, peppers: make(map[int]string, len(ring))}
	for i, value := range ring {
		version := len(ring) - i
		h.peppers[version] = value
		if i == 0 {
			h.current = Pepper{Value: value, Version: version}
		}
	}
	return h
}

func (h *Hasher) HashOTP(otp string) (*HashResult, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := h.derive(otp, h.current.Value, salt, h.params.KeyLength)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(digest),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: h.current.Version,
		Algorithm:     "argon2id-v1",
	}, nil
}

// VerifyOTP recomputes the digest with the stored salt and pepper version and
// compares in constant time.
func (h *Hasher) VerifyOTP(otp string, stored *HashResult) (bool, error) {
	pepper, ok := h.peppers[stored.PepperVersion]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPepper, stored.PepperVersion)
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := h.derive(otp, pepper, salt, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) derive(otp, pepper string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey(
		[]byte(otp+pepper+otpContext),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		keyLen,
	)
}

func (h *Hasher) CurrentPepperVersion() int {
	return h.current.Version
}

// GenerateNumericCode returns a uniformly random decimal code of the given
// length. Leading zeros are kept.
func GenerateNumericCode(length int) (string, error) {
	if length < 4 || length > 10 {
		return "", fmt.Errorf("%w: %d", ErrInvalidCodeSize, length)
	}
	var b strings.Builder
	b.Grow(length)
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
