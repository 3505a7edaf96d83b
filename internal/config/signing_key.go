package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
)

// SecretSources groups the external stores a signing key can come from.
// Nil members are only an error when the config points at them.
type SecretSources struct {
	SSM     *SSMLoader
	Secrets *AWSSecretsLoader
	KMS     *KMSDecrypter
}

// NewAWSSecretSources builds all three loaders from the default AWS credential chain.
func NewAWSSecretSources(ctx context.Context) (SecretSources, error) {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return SecretSources{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return SecretSources{
		SSM:     NewSSMLoader(awsCfg),
		Secrets: NewAWSSecretsLoader(awsCfg),
		KMS:     NewKMSDecrypter(awsCfg, map[string]string{"purpose": "session-signing"}),
	}, nil
}

// NeedsAWS reports whether the signing key lives outside the config file.
func (s SessionConfig) NeedsAWS() bool {
	return s.SigningKey == "" &&
		(s.SigningKeySSMParam != "" || s.SigningKeySecretID != "" || s.SigningKeyKMSCiphertext != "")
}

// ResolveSigningKey returns the HMAC key used to validate session tokens.
func ResolveSigningKey(ctx context.Context, s SessionConfig, src SecretSources) ([]byte, error) {
	var (
		key string
		err error
	)
	switch {
	case s.SigningKey != "":
		key = s.SigningKey
	case s.SigningKeySSMParam != "":
		if src.SSM == nil {
			return nil, errors.New("signing key: ssm source not configured")
		}
		key, err = src.SSM.GetParameter(ctx, s.SigningKeySSMParam, true)
	case s.SigningKeySecretID != "":
		if src.Secrets == nil {
			return nil, errors.New("signing key: secrets manager source not configured")
		}
		key, err = src.Secrets.GetSecret(ctx, s.SigningKeySecretID)
	case s.SigningKeyKMSCiphertext != "":
		if src.KMS == nil {
			return nil, errors.New("signing key: kms source not configured")
		}
		var b []byte
		b, err = src.KMS.DecryptBase64(ctx, s.SigningKeyKMSCiphertext)
		key = string(b)
	default:
		return nil, errors.New("signing key: no source configured")
	}
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	key = strings.TrimSpace(key)
	if len(key) < 32 {
		return nil, fmt.Errorf("signing key: must be at least 32 bytes, got %d", len(key))
	}
	return []byte(key), nil
}
