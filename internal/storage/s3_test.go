package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentKey(t *testing.T) {
	k := AttachmentKey("u1", "../../etc/pass wd.png")
	assert.True(t, strings.HasPrefix(k, "attachments/u1/"))
	assert.True(t, strings.HasSuffix(k, "/pass_wd.png"))
	assert.NotContains(t, k, "..")

	assert.True(t, strings.HasSuffix(AttachmentKey("u1", ""), "/file"))
	assert.NotEqual(t, AttachmentKey("u1", "a.png"), AttachmentKey("u1", "a.png"))
}

func TestPresignUploadAgainstCustomEndpoint(t *testing.T) {
	cfg := aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
	}
	s := NewS3StoreFromConfig(cfg, "media", "http://localhost:9000", 10*time.Minute)

	p, err := s.PresignUpload(context.Background(), "u1", "cat.jpg", "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "PUT", p.Method)
	u, err := url.Parse(p.URL)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.True(t, strings.HasPrefix(u.Path, "/media/attachments/u1/"))
	assert.Equal(t, "600", u.Query().Get("X-Amz-Expires"))

	g, err := s.PresignGet(context.Background(), p.Key)
	require.NoError(t, err)
	assert.Equal(t, "GET", g.Method)
}
