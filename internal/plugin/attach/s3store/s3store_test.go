package s3store

import (
	"context"
	"testing"

	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/plugin/attach/blobtest"
	"github.com/chirino/messaging-service/internal/testutil/tests3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3Store(t *testing.T) {
	bucket := tests3.StartS3(t)

	cfg := config.DefaultConfig()
	cfg.S3Bucket = bucket
	cfg.S3Prefix = "/media/"
	cfg.S3UsePathStyle = true
	cfg.TempDir = t.TempDir()
	store, err := load(config.WithContext(context.Background(), &cfg))
	require.NoError(t, err)

	blobtest.Run(t, store)
}

func TestPublicURL(t *testing.T) {
	s := New(nil, "bucket", "/media/", "https://cdn.example.com/", t.TempDir())
	assert.Equal(t, "media/k1", s.objectKey("k1"))
	assert.Equal(t, "https://cdn.example.com/bucket/media/k1", s.PublicURL("k1"))

	s = New(nil, "bucket", "", "", t.TempDir())
	assert.Equal(t, "k1", s.objectKey("k1"))
	assert.Empty(t, s.PublicURL("k1"))
}
