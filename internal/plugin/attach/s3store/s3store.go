package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/chirino/messaging-service/internal/config"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/tempfiles"
	"github.com/google/uuid"
)

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:   "s3",
		Loader: load,
	})
}

// ForceImport can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registryattach.BlobStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3store: S3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}
	usePathStyle := cfg.S3UsePathStyle
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
	return New(client, cfg.S3Bucket, cfg.S3Prefix, cfg.S3ExternalEndpoint, cfg.ResolvedTempDir()), nil
}

// Store keeps media objects in one S3 bucket under an optional key prefix.
type Store struct {
	client           *s3.Client
	bucket           string
	prefix           string
	externalEndpoint string
	tempDir          string
}

// New wraps an S3 client. externalEndpoint, when set, is the public base of a
// readable bucket and makes PublicURL return direct object links.
func New(client *s3.Client, bucket, prefix, externalEndpoint, tempDir string) *Store {
	return &Store{
		client:           client,
		bucket:           bucket,
		prefix:           strings.Trim(strings.TrimSpace(prefix), "/"),
		externalEndpoint: strings.TrimRight(strings.TrimSpace(externalEndpoint), "/"),
		tempDir:          tempDir,
	}
}

// objectKey applies the prefix. Storage keys are persisted without it.
func (s *Store) objectKey(storageKey string) string {
	if s.prefix != "" {
		return s.prefix + "/" + storageKey
	}
	return storageKey
}

// Put buffers the upload to a temp file so S3 gets an exact Content-Length.
func (s *Store) Put(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*registryattach.PutResult, error) {
	sp, err := tempfiles.Spool(s.tempDir, "messaging-s3-upload-*", data, maxSize)
	if errors.Is(err, tempfiles.ErrLimitExceeded) {
		return nil, registryattach.ErrTooLarge
	}
	if err != nil {
		return nil, fmt.Errorf("s3store: %w", err)
	}
	defer sp.Discard()

	storageKey := uuid.Must(uuid.NewV7()).String()
	key := s.objectKey(storageKey)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          sp.File,
		ContentLength: aws.Int64(sp.Size),
		ContentType:   &contentType,
	}, func(o *s3.Options) {
		o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: put object: %w", err)
	}
	return &registryattach.PutResult{StorageKey: storageKey, Size: sp.Size, SHA256: sp.SHA256}, nil
}

func (s *Store) Open(ctx context.Context, storageKey string) (io.ReadCloser, string, error) {
	key := s.objectKey(storageKey)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, "", &registrystore.NotFoundError{Resource: "media", ID: storageKey}
		}
		return nil, "", fmt.Errorf("s3store: get object: %w", err)
	}
	return resp.Body, aws.ToString(resp.ContentType), nil
}

func (s *Store) Delete(ctx context.Context, storageKey string) error {
	key := s.objectKey(storageKey)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	return err
}

// PublicURL returns <external endpoint>/<bucket>/<object key>, or "" when no
// external endpoint is configured.
func (s *Store) PublicURL(storageKey string) string {
	if s.externalEndpoint == "" {
		return ""
	}
	return s.externalEndpoint + "/" + s.bucket + "/" + s.objectKey(storageKey)
}

var (
	_ registryattach.BlobStore   = (*Store)(nil)
	_ registryattach.PublicURLer = (*Store)(nil)
)
