package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"volunteer-auth-service/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const localKeyID = "local-dev"

// KMSAPI is the subset of the KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, opts ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, opts ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Envelope is a sealed value together with its wrapped data key. It is stored
// as JSON in the audit archive.
type Envelope struct {
	Ciphertext   string    `json:"ciphertext"`
	EncryptedDEK string    `json:"encrypted_dek"`
	KeyID        string    `json:"key_id"`
	Purpose      string    `json:"purpose"`
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// EncryptionManager seals PII (the identity values a caller submitted during
// a failed match) before it leaves the process. With KMS disabled a single
// process-local key wraps every DEK.
type EncryptionManager struct {
	kms      KMSAPI
	enabled  bool
	keyID    string
	localKEK []byte
	keyCache sync.Map
}

func NewEncryptionManager(cfg *config.Config, client KMSAPI) (*EncryptionManager, error) {
	em := &EncryptionManager{
		kms:     client,
		enabled: cfg.KMS.Enabled,
		keyID:   cfg.KMS.KeyID,
	}
	if em.enabled && client == nil {
		return nil, errors.New("kms enabled but no client configured")
	}
	if !em.enabled {
		em.localKEK = make([]byte, 32)
		if _, err := rand.Read(em.localKEK); err != nil {
			return nil, fmt.Errorf("failed to generate local key: %w", err)
		}
	}
	return em, nil
}

func (em *EncryptionManager) generateDataKey(ctx context.Context) (plain, wrapped []byte, keyID string, err error) {
	if !em.enabled {
		plain = make([]byte, 32)
		if _, err = rand.Read(plain); err != nil {
			return nil, nil, "", err
		}
		wrapped, err = gcmSeal(em.localKEK, plain, []byte(localKeyID))
		return plain, wrapped, localKeyID, err
	}

	out, err := em.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to generate data key: %w", err)
	}
	return out.Plaintext, out.CiphertextBlob, em.keyID, nil
}

func (em *EncryptionManager) unwrapDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	cacheKey := base64.StdEncoding.EncodeToString(wrapped)
	if cached, ok := em.keyCache.Load(cacheKey); ok {
		return cached.([]byte), nil
	}

	var plain []byte
	if em.enabled {
		out, err := em.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt DEK: %w", err)
		}
		plain = out.Plaintext
	} else {
		var err error
		plain, err = gcmOpen(em.localKEK, wrapped, []byte(localKeyID))
		if err != nil {
			return nil, err
		}
	}

	em.keyCache.Store(cacheKey, plain)
	return plain, nil
}

// Seal encrypts v (marshalled as JSON) under a fresh data key. The purpose is
// bound as additional data, so an envelope cannot be replayed under another.
func (em *EncryptionManager) Seal(ctx context.Context, purpose string, v interface{}) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	dek, wrapped, keyID, err := em.generateDataKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext, err := gcmSeal(dek, payload, []byte(purpose))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return &Envelope{
		Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK: base64.StdEncoding.EncodeToString(wrapped),
		KeyID:        keyID,
		Purpose:      purpose,
		Version:      "v1",
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Open reverses Seal into out.
func (em *EncryptionManager) Open(ctx context.Context, env *Envelope, out interface{}) error {
	wrapped, err := base64.StdEncoding.DecodeString(env.EncryptedDEK)
	if err != nil {
		return fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	dek, err := em.unwrapDataKey(ctx, wrapped)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	payload, err := gcmOpen(dek, ciphertext, []byte(env.Purpose))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return nil
}

// ClearCache drops unwrapped DEKs.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, _ interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

func gcmSeal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func gcmOpen(key, sealed, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, aad)
}
