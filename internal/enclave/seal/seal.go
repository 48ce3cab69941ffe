// Package seal converts private key scalars into opaque sealed strings and
// back. Production deployments seal through AWS KMS; a local AES-256-GCM
// sealer covers development and acts as the decode path for older backups.
package seal

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/crypto/hkdf"

	"github.com/R3E-Network/key_custodian/pkg/logger"
)

// KMSPrefix marks sealed keys produced through AWS KMS.
const KMSPrefix = "kms:"

var hkdfSalt = []byte("key-custodian-seal")

// Sealer converts a 32-byte private scalar to an opaque string and back.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) (string, error)
	Unseal(ctx context.Context, sealed string) ([]byte, error)
}

// --- AES-256-GCM ------------------------------------------------------------

// AESSealer seals with AES-256-GCM under a key derived from the configured
// sealing secret. Output format is <iv-hex>:<ciphertext-hex>:<tag-hex>.
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESSealer derives the AEAD key from secret via HKDF-SHA256.
func NewAESSealer(secret []byte) (*AESSealer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("sealing secret is required")
	}

	reader := hkdf.New(sha256.New, secret, hkdfSalt, []byte("aes-256-gcm"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &AESSealer{aead: aead}, nil
}

func (s *AESSealer) Seal(_ context.Context, plaintext []byte) (string, error) {
	iv := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	out := s.aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(out) - s.aead.Overhead()
	ciphertext, tag := out[:tagStart], out[tagStart:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(iv),
		hex.EncodeToString(ciphertext),
		hex.EncodeToString(tag),
	), nil
}

func (s *AESSealer) Unseal(_ context.Context, sealed string) ([]byte, error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("sealed key is not iv:ciphertext:tag")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}
	if len(iv) != s.aead.NonceSize() || len(tag) != s.aead.Overhead() {
		return nil, fmt.Errorf("sealed key has malformed iv or tag")
	}

	plaintext, err := s.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("unseal: %w", err)
	}
	return plaintext, nil
}

// --- AWS KMS ----------------------------------------------------------------

// kmsAPI is the slice of the KMS client the sealer needs.
type kmsAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSSealer seals through AWS KMS. Output format is kms:<base64>.
type KMSSealer struct {
	client kmsAPI
	keyARN string
}

// NewKMSSealer builds a sealer using the default AWS credential chain.
func NewKMSSealer(ctx context.Context, keyARN, region string) (*KMSSealer, error) {
	if keyARN == "" {
		return nil, fmt.Errorf("kms key arn is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &KMSSealer{client: kms.NewFromConfig(cfg), keyARN: keyARN}, nil
}

// NewKMSSealerWithClient wires an explicit client, mainly for tests.
func NewKMSSealerWithClient(client kmsAPI, keyARN string) *KMSSealer {
	return &KMSSealer{client: client, keyARN: keyARN}
}

func (s *KMSSealer) Seal(ctx context.Context, plaintext []byte) (string, error) {
	out, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(s.keyARN),
		Plaintext: plaintext,
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt: %w", err)
	}
	return KMSPrefix + base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

func (s *KMSSealer) Unseal(ctx context.Context, sealed string) ([]byte, error) {
	encoded := strings.TrimPrefix(sealed, KMSPrefix)
	if encoded == sealed {
		return nil, fmt.Errorf("sealed key is not kms format")
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode sealed key: %w", err)
	}

	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(s.keyARN),
		CiphertextBlob: blob,
	})
	if err != nil {
		return nil, fmt.Errorf("kms decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// --- selection --------------------------------------------------------------

// Stack routes sealing to the configured primary and unsealing to whichever
// sealer matches the stored format.
type Stack struct {
	primary Sealer
	kms     *KMSSealer
	aes     *AESSealer
}

// Options selects the sealer stack. KMS takes precedence when configured;
// SealingKey enables the AES fallback. With neither set the stack derives an
// ephemeral secret, which leaves backups unrecoverable after a restart.
type Options struct {
	SealingKey string
	KMSKeyARN  string
	AWSRegion  string
}

func NewStack(ctx context.Context, opts Options, log *logger.Logger) (*Stack, error) {
	if log == nil {
		log = logger.NewDefault("seal")
	}

	stack := &Stack{}

	if opts.KMSKeyARN != "" {
		kmsSealer, err := NewKMSSealer(ctx, opts.KMSKeyARN, opts.AWSRegion)
		if err != nil {
			return nil, err
		}
		stack.kms = kmsSealer
		stack.primary = kmsSealer
	}

	secret := []byte(opts.SealingKey)
	if len(secret) == 0 && stack.kms == nil {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate ephemeral sealing key: %w", err)
		}
		log.Warn("no sealing key or kms key configured, using an ephemeral key; backups will not survive a restart")
	}
	if len(secret) > 0 {
		aesSealer, err := NewAESSealer(secret)
		if err != nil {
			return nil, err
		}
		stack.aes = aesSealer
		if stack.primary == nil {
			stack.primary = aesSealer
		}
	}

	return stack, nil
}

// NewStackWith assembles a stack from explicit sealers, mainly for tests.
func NewStackWith(primary Sealer, kmsSealer *KMSSealer, aesSealer *AESSealer) *Stack {
	return &Stack{primary: primary, kms: kmsSealer, aes: aesSealer}
}

func (s *Stack) Seal(ctx context.Context, plaintext []byte) (string, error) {
	return s.primary.Seal(ctx, plaintext)
}

func (s *Stack) Unseal(ctx context.Context, sealed string) ([]byte, error) {
	if strings.HasPrefix(sealed, KMSPrefix) {
		if s.kms == nil {
			return nil, fmt.Errorf("sealed key requires kms but no kms key is configured")
		}
		return s.kms.Unseal(ctx, sealed)
	}
	if s.aes == nil {
		return nil, fmt.Errorf("sealed key requires the aes sealer but no sealing key is configured")
	}
	return s.aes.Unseal(ctx, sealed)
}
