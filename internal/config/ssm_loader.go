package config

import (
	"context"
	"fmt"

	"github.com/ComUnity/abuse-gateway/internal/util/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMParameterStoreClient defines an interface for AWS SSM client
type SSMParameterStoreClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMLoader loads parameters from AWS Systems Manager Parameter Store
type SSMLoader struct {
	client SSMParameterStoreClient
}

func NewSSMLoader(awsCfg aws.Config) *SSMLoader {
	return &SSMLoader{client: ssm.NewFromConfig(awsCfg)}
}

// NewSSMLoaderWithClient is used by tests with a fake client.
func NewSSMLoaderWithClient(c SSMParameterStoreClient) *SSMLoader {
	return &SSMLoader{client: c}
}

// GetParameter retrieves a parameter from SSM
func (l *SSMLoader) GetParameter(ctx context.Context, paramName string, decrypt bool) (string, error) {
	result, err := l.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(paramName),
		WithDecryption: aws.Bool(decrypt),
	})
	if err != nil {
		logger.Errorf("[SSMLoader] Failed to get parameter %s: %v", paramName, err)
		return "", fmt.Errorf("ssm get parameter %s: %w", paramName, err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %s has no value", paramName)
	}

	logger.Infof("[SSMLoader] Retrieved parameter: %s", paramName)
	return *result.Parameter.Value, nil
}
