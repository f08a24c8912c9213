package database

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/claimlink/platform/pkg/common/config"
	"github.com/claimlink/platform/pkg/common/logger"
)

// NewDynamoDB builds a DynamoDB client from the default AWS credential chain.
// When DYNAMODB_ENDPOINT is set (DynamoDB Local, LocalStack) the endpoint is
// overridden and static dummy credentials are used.
func NewDynamoDB(ctx context.Context, cfg *config.Config) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	if cfg.DynamoEndpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	})

	logger.Log.WithFields(map[string]interface{}{
		"region": cfg.AWSRegion,
		"table":  cfg.UsersTable,
	}).Info("DynamoDB client configured")

	return client, nil
}
