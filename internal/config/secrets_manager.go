package config

import (
	"context"
	"fmt"

	"github.com/ComUnity/abuse-gateway/internal/util/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerClient defines a minimal interface for AWS Secrets Manager
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsLoader loads secrets from AWS Secrets Manager
type AWSSecretsLoader struct {
	client SecretsManagerClient
}

func NewAWSSecretsLoader(awsCfg aws.Config) *AWSSecretsLoader {
	return &AWSSecretsLoader{client: secretsmanager.NewFromConfig(awsCfg)}
}

func NewAWSSecretsLoaderWithClient(c SecretsManagerClient) *AWSSecretsLoader {
	return &AWSSecretsLoader{client: c}
}

// GetSecret retrieves a secret value from AWS Secrets Manager
func (l *AWSSecretsLoader) GetSecret(ctx context.Context, secretName string) (string, error) {
	result, err := l.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		logger.Errorf("[SecretsLoader] Failed to get secret %s: %v", secretName, err)
		return "", fmt.Errorf("get secret %s: %w", secretName, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretName)
	}

	logger.Infof("[SecretsLoader] Retrieved secret: %s", secretName)
	return *result.SecretString, nil
}
