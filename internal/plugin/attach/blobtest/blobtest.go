// Package blobtest holds the behavior every media blob store must share.
package blobtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises store against the BlobStore contract.
func Run(t *testing.T, store registryattach.BlobStore) {
	ctx := context.Background()

	t.Run("PutOpenDelete", func(t *testing.T) {
		payload := bytes.Repeat([]byte("pixel"), 4096)
		res, err := store.Put(ctx, bytes.NewReader(payload), int64(len(payload)), "image/png")
		require.NoError(t, err)
		require.NotEmpty(t, res.StorageKey)
		assert.Equal(t, int64(len(payload)), res.Size)
		assert.Len(t, res.SHA256, 64)

		rc, contentType, err := store.Open(ctx, res.StorageKey)
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, rc.Close())
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		assert.Equal(t, "image/png", contentType)

		require.NoError(t, store.Delete(ctx, res.StorageKey))
		_, _, err = store.Open(ctx, res.StorageKey)
		require.Error(t, err)
		var notFound *registrystore.NotFoundError
		assert.True(t, errors.As(err, &notFound), "expected NotFoundError, got %v", err)
	})

	t.Run("RejectsOversize", func(t *testing.T) {
		_, err := store.Put(ctx, strings.NewReader("0123456789"), 9, "video/mp4")
		require.ErrorIs(t, err, registryattach.ErrTooLarge)
	})

	t.Run("OpenUnknownKey", func(t *testing.T) {
		_, _, err := store.Open(ctx, uuid.NewString())
		var notFound *registrystore.NotFoundError
		assert.True(t, errors.As(err, &notFound), "expected NotFoundError, got %v", err)
	})
}
