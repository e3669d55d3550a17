package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numPurgeRetries      = 3
	maxDeleteBatch       = 1000
	bucketRegionFallback = "us-east-1"
)

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, for S3 compatible storage.
	Endpoint     string
	UsePathStyle bool
}

// S3Signer presigns chunk writes and purges session objects in an S3 bucket.
type S3Signer struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	logger    log.Logger
}

// NewS3Signer creates an S3Signer. When no region is given it is looked up from the bucket.
func NewS3Signer(ctx context.Context, params S3Params, logger log.Logger) (*S3Signer, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	region := params.Region
	if region == "" {
		resolved, err := resolveBucketRegion(ctx, params, logger)
		if err != nil {
			return nil, fmt.Errorf("resolve bucket region: %w", err)
		}
		region = resolved
	}

	cfg, err := loadAWSCredentials(ctx, region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, clientOptions(params))

	return &S3Signer{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    params.Bucket,
		logger:    logger,
	}, nil
}

// PresignPut presigns a PUT of key that expires after ttl.
func (s *S3Signer) PresignPut(ctx context.Context, key string, ttl time.Duration) (SignedRequest, error) {
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return SignedRequest{}, err
	}

	return SignedRequest{
		URL:    req.URL,
		Method: req.Method,
		Header: req.SignedHeader,
	}, nil
}

// PurgeSession deletes every chunk object stored under the session prefix.
func (s *S3Signer) PurgeSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id must not be empty")
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(sessionID + "/"),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects of session %s: %w", sessionID, err)
		}
		for _, object := range page.Contents {
			keys = append(keys, aws.ToString(object.Key))
		}
	}

	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := start + maxDeleteBatch
		if end > len(keys) {
			end = len(keys)
		}
		if err := s.deleteObjectsWithRetry(ctx, keys[start:end]); err != nil {
			return err
		}
	}

	if len(keys) > 0 {
		s.logger.Debugf("Purged %d objects of session %s", len(keys), sessionID)
	}

	return nil
}

func (s *S3Signer) deleteObjectsWithRetry(ctx context.Context, keys []string) error {
	identifiers := make([]types.ObjectIdentifier, 0, len(keys))
	for _, key := range keys {
		identifiers = append(identifiers, types.ObjectIdentifier{Key: aws.String(key)})
	}

	return retry.Times(numPurgeRetries).Wait(time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: identifiers},
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchBucket" {
				return fmt.Errorf("delete objects: %w", err), true
			}
			return fmt.Errorf("delete objects: %w", err), ctx.Err() != nil
		}
		if resp != nil && len(resp.Errors) > 0 {
			first := resp.Errors[0]
			return fmt.Errorf("delete %d objects failed, first %s: %s",
				len(resp.Errors), aws.ToString(first.Key), aws.ToString(first.Message)), false
		}
		return nil, true
	})
}

func resolveBucketRegion(ctx context.Context, params S3Params, logger log.Logger) (string, error) {
	cfg, err := loadAWSCredentials(ctx, bucketRegionFallback, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return "", err
	}

	region, err := manager.GetBucketRegion(ctx, s3.NewFromConfig(*cfg, clientOptions(params)), params.Bucket)
	if err != nil {
		var bnf manager.BucketNotFound
		if errors.As(err, &bnf) {
			return "", fmt.Errorf("bucket %s not found", params.Bucket)
		}
		return "", err
	}

	logger.Debugf("Bucket %s is in region %s", params.Bucket, region)

	return region, nil
}

func clientOptions(params S3Params) func(*s3.Options) {
	return func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	}
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
