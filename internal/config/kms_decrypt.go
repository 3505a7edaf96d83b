package config

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

type KMSDecryptClient interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSDecrypter unwraps small base64 ciphertexts (<=4KB) such as a session signing key.
type KMSDecrypter struct {
	client            KMSDecryptClient
	encryptionContext map[string]string
	timeout           time.Duration
}

func NewKMSDecrypter(awsCfg aws.Config, encryptionContext map[string]string) *KMSDecrypter {
	return NewKMSDecrypterWithClient(kms.NewFromConfig(awsCfg), encryptionContext)
}

func NewKMSDecrypterWithClient(c KMSDecryptClient, encryptionContext map[string]string) *KMSDecrypter {
	return &KMSDecrypter{client: c, encryptionContext: encryptionContext, timeout: 10 * time.Second}
}

func (d *KMSDecrypter) DecryptBase64(ctx context.Context, ciphertextB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("kms Decrypt: base64: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	in := &kms.DecryptInput{CiphertextBlob: raw}
	if len(d.encryptionContext) > 0 {
		in.EncryptionContext = d.encryptionContext
	}
	out, err := d.client.Decrypt(cctx, in)
	if err != nil {
		return nil, fmt.Errorf("kms Decrypt: %w", err)
	}
	return out.Plaintext, nil
}
