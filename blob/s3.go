// Package blob stores uploaded chat images in S3 compatible object storage.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Options configures the bucket.
type Options struct {
	Region string
	Bucket string
	// Endpoint overrides the AWS endpoint, for MinIO and similar servers.
	Endpoint string
	// PublicURL is the base of the returned URLs. It defaults to the virtual
	// hosted AWS URL of the bucket.
	PublicURL string
}

// S3 uploads images to a bucket.
type S3 struct {
	uploader *manager.Uploader
	bucket   string
	baseURL  string
}

// New loads the AWS configuration from the environment and prepares an
// uploader for the bucket.
func New(ctx context.Context, opts Options) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	base := opts.PublicURL
	switch {
	case base != "":
	case opts.Endpoint != "":
		base = fmt.Sprintf("%s/%s", strings.TrimSuffix(opts.Endpoint, "/"), opts.Bucket)
	default:
		base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", opts.Bucket, opts.Region)
	}
	return &S3{
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		baseURL:  strings.TrimSuffix(base, "/"),
	}, nil
}

// Key returns the object key of a new image uploaded by userID.
func Key(userID string) string {
	return fmt.Sprintf("chat-images/%s/%s", userID, uuid.NewString())
}

// UploadImage stores data under a fresh key of userID and returns its public
// URL. The content type is sniffed from the data.
func (s *S3) UploadImage(ctx context.Context, userID string, data []byte) (string, error) {
	key := Key(userID)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimetype.Detect(data).String()),
	})
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return s.baseURL + "/" + (&url.URL{Path: key}).EscapedPath(), nil
}
