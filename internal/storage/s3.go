package storage

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// PresignedURL is a time-limited URL for an attachment object. Key is the
// opaque reference stored on messages.
type PresignedURL struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// S3Store issues presigned URLs; the core never moves attachment bytes itself.
type S3Store struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

func NewS3Store(ctx context.Context, region, bucket, endpoint string, ttl time.Duration) (*S3Store, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return NewS3StoreFromConfig(cfg, bucket, endpoint, ttl), nil
}

// NewS3StoreFromConfig supports a custom endpoint (MinIO) with path-style addressing.
func NewS3StoreFromConfig(cfg aws.Config, bucket, endpoint string, ttl time.Duration) *S3Store {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{presign: s3.NewPresignClient(client), bucket: bucket, ttl: ttl}
}

// AttachmentKey namespaces uploads by owner so keys never collide.
func AttachmentKey(userID, filename string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." || name == "/" {
		name = "file"
	}
	return "attachments/" + userID + "/" + uuid.NewString() + "/" + name
}

func (s *S3Store) PresignUpload(ctx context.Context, userID, filename, contentType string) (PresignedURL, error) {
	key := AttachmentKey(userID, filename)
	in := &s3.PutObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	req, err := s.presign.PresignPutObject(ctx, in, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return PresignedURL{}, err
	}
	return PresignedURL{URL: req.URL, Method: req.Method, Key: key, ExpiresAt: time.Now().Add(s.ttl).UTC()}, nil
}

func (s *S3Store) PresignGet(ctx context.Context, key string) (PresignedURL, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return PresignedURL{}, err
	}
	return PresignedURL{URL: req.URL, Method: req.Method, Key: key, ExpiresAt: time.Now().Add(s.ttl).UTC()}, nil
}
