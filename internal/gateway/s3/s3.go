// Package s3 implements gateway.Gateway on an S3-compatible IPFS pinning
// service such as Filebase, which pins every uploaded object and reports
// its CID as object metadata.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/gateway"
	"github.com/pinshare/pinshare/internal/logging"
	"github.com/pinshare/pinshare/internal/metrics"
)

// DefaultEndpoint is Filebase's S3 endpoint.
const DefaultEndpoint = "https://s3.filebase.com"

// cidMetadataKey is the user metadata key carrying the pinned CID.
const cidMetadataKey = "cid"

// Config configures the S3 gateway.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	// Timeout is the HTTP client timeout; 0 disables it.
	Timeout time.Duration
}

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Gateway pins content by uploading it to a bucket.
type Gateway struct {
	client objectAPI
	bucket string
	newKey func() string
}

// New creates an S3 gateway.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	logging.Info("s3 pinning gateway configured",
		zap.String("endpoint", endpoint),
		zap.String("bucket", cfg.Bucket))

	return newGateway(client, cfg.Bucket), nil
}

func newGateway(client objectAPI, bucket string) *Gateway {
	return &Gateway{client: client, bucket: bucket, newKey: uuid.NewString}
}

var _ gateway.Gateway = (*Gateway)(nil)

// Name returns "s3".
func (g *Gateway) Name() string { return "s3" }

// Add uploads data under a fresh key and returns the CID the service
// assigned to it.
func (g *Gateway) Add(ctx context.Context, name string, data []byte) (gateway.AddResult, error) {
	key := g.newKey()

	start := time.Now()
	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(g.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{"filename": name},
	})
	if err != nil {
		metrics.RecordGatewayOperation(g.Name(), "put_object", time.Since(start), false)
		return gateway.AddResult{}, fmt.Errorf("put object %s: %w", key, err)
	}
	metrics.RecordGatewayOperation(g.Name(), "put_object", time.Since(start), true)

	start = time.Now()
	head, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordGatewayOperation(g.Name(), "head_object", time.Since(start), false)
		return gateway.AddResult{}, fmt.Errorf("head object %s: %w", key, err)
	}

	cid := head.Metadata[cidMetadataKey]
	if cid == "" {
		metrics.RecordGatewayOperation(g.Name(), "head_object", time.Since(start), false)
		return gateway.AddResult{}, fmt.Errorf("object %s: %w", key, gateway.ErrEmptyPath)
	}
	metrics.RecordGatewayOperation(g.Name(), "head_object", time.Since(start), true)

	logging.WithContext(ctx).Debug("s3 pinned object",
		zap.String("key", key),
		zap.String("name", name),
		zap.Int("size", len(data)),
		zap.String("cid", cid))
	return gateway.AddResult{Path: cid}, nil
}
