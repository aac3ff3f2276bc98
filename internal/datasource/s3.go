package datasource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/and161185/vaultbridge/internal/errs"
)

// objectAPI is the subset of *s3.Client used by S3.
type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ objectAPI = (*s3.Client)(nil)

// S3 stores the archive as a single object.
type S3 struct {
	f      *Factory
	params S3Params

	mu     sync.Mutex
	client objectAPI
}

func (p S3Params) open(f *Factory) (Datasource, error) {
	return &S3{f: f, params: p}, nil
}

func newS3Client(ctx context.Context, p S3Params) (objectAPI, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if p.Region != "" {
		opts = append(opts, awsconfig.WithRegion(p.Region))
	}
	if p.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.AccessKeyID, p.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if p.Endpoint != "" {
			o.BaseEndpoint = aws.String(p.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (s *S3) api(ctx context.Context) (objectAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, err := s.f.newObjectAPI(ctx, s.params)
	if err != nil {
		return nil, err
	}
	s.client = c
	return c, nil
}

func (s *S3) what() string { return fmt.Sprintf("s3 %s/%s", s.params.Bucket, s.params.Key) }

// Load downloads the archive object.
func (s *S3) Load(ctx context.Context) ([]byte, error) {
	api, err := s.api(ctx)
	if err != nil {
		return nil, transportError(s.what(), err)
	}
	out, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.params.Bucket),
		Key:    aws.String(s.params.Key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &nf) {
			return nil, fmt.Errorf("%s: %w", s.what(), errs.ErrNotFound)
		}
		return nil, transportError(s.what(), err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, transportError(s.what(), err)
	}
	return data, nil
}

// Save uploads the archive object.
func (s *S3) Save(ctx context.Context, content []byte) error {
	api, err := s.api(ctx)
	if err != nil {
		return transportError(s.what(), err)
	}
	_, err = api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.params.Bucket),
		Key:           aws.String(s.params.Key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
	})
	return transportError(s.what(), err)
}
