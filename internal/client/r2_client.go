package client

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/legalsim/render-orchestrator/internal/config"
)

// metaChecksum is the object metadata key holding the artifact's SHA-256.
const metaChecksum = "sha256"

// Render artifacts are written once per job ID and never change.
const artifactCacheControl = "private, max-age=31536000, immutable"

// R2Client stores render artifacts in a Cloudflare R2 bucket through its
// S3-compatible API.
type R2Client struct {
	s3        *s3.Client
	presign   *s3.PresignClient
	bucket    string
	endpoint  string
	publicURL string
}

func r2Endpoint(accountID string) string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

// NewR2Client creates a client for the bucket in cfg.
func NewR2Client(cfg *config.R2Config) (*R2Client, error) {
	if cfg.AccountID == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.BucketName == "" {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}
	return newR2Client(cfg, r2Endpoint(cfg.AccountID))
}

func newR2Client(cfg *config.R2Config, endpoint string) (*R2Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &R2Client{
		s3:        client,
		presign:   s3.NewPresignClient(client),
		bucket:    cfg.BucketName,
		endpoint:  endpoint,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// Upload stores an artifact under key. An *Artifact body also sends its
// size and SHA-256, which R2 verifies before accepting the object.
func (c *R2Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	if _, err := c.s3.PutObject(ctx, c.putInput(key, body, contentType)); err != nil {
		return "", fmt.Errorf("failed to upload %s to R2: %w", key, err)
	}
	return c.GetPublicURL(key), nil
}

func (c *R2Client) putInput(key string, body io.Reader, contentType string) *s3.PutObjectInput {
	input := &s3.PutObjectInput{
		Bucket:             aws.String(c.bucket),
		Key:                aws.String(key),
		Body:               body,
		ContentType:        aws.String(contentType),
		ContentDisposition: aws.String(attachment(key)),
		CacheControl:       aws.String(artifactCacheControl),
	}
	if a, ok := body.(*Artifact); ok {
		input.ContentLength = aws.Int64(a.Size())
	}
	if cs, ok := body.(checksummed); ok && cs.Checksum() != "" {
		input.Metadata = map[string]string{metaChecksum: cs.Checksum()}
		if digest, err := hex.DecodeString(cs.Checksum()); err == nil && len(digest) == sha256.Size {
			input.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(digest))
		}
	}
	return input
}

// Stat reads an artifact's size, type and recorded checksum.
func (c *R2Client) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		var resp *awshttp.ResponseError
		if errors.As(err, &notFound) || (errors.As(err, &resp) && resp.HTTPStatusCode() == http.StatusNotFound) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("failed to stat %s in R2: %w", key, err)
	}
	return ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Checksum:    metadataValue(out.Metadata, metaChecksum),
	}, nil
}

// metadataValue looks key up ignoring case; header canonicalization can
// change how user metadata keys come back.
func metadataValue(md map[string]string, key string) string {
	if v, ok := md[key]; ok {
		return v
	}
	for k, v := range md {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (c *R2Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s from R2: %w", key, err)
	}
	return nil
}

// GetSignedURL presigns a download that saves under the artifact's file name.
func (c *R2Client) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(c.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(attachment(key)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

// GetPublicURL returns the CDN URL for key, or the bucket URL when no CDN
// is configured.
func (c *R2Client) GetPublicURL(key string) string {
	if c.publicURL != "" {
		return c.publicURL + "/" + key
	}
	return fmt.Sprintf("%s/%s/%s", c.endpoint, c.bucket, key)
}

// attachment names the download after the artifact, e.g. job-1.mp4.
func attachment(key string) string {
	return fmt.Sprintf("attachment; filename=%q", path.Base(key))
}
