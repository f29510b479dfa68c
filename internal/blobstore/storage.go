// Package blobstore is the content-addressed chunked storage of file
// bytes: a raw key/value Storage backend plus the chunked
// File/FileChunk semantics layered on top of it in file.go.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Storage is the raw byte-blob backend a ChunkStore is layered on.
// List is needed by GetFileChunks, which reads chunks back by byte
// range rather than by exact key.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key with the given prefix, in ascending
	// lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ErrNotExist is returned by Get/List-dependent callers when a key is
// absent. Backends translate their native not-found signal to this.
var ErrNotExist = errors.New("blobstore: key does not exist")

// ------------------------------------------------------------

// S3Storage stores blobs in an S3-compatible bucket: a static-credential,
// path-style client, extended with ListObjectsV2 pagination for List.
type S3Storage struct {
	client *s3.Client
	bucket string
}

func NewS3Storage(region, bucket, endpoint, username, password string) *S3Storage {
	s3Config := aws.Config{
		Credentials:  credentials.NewStaticCredentialsProvider(username, password, ""),
		BaseEndpoint: aws.String(endpoint),
		Region:       region,
	}

	client := s3.NewFromConfig(s3Config, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3Storage{client: client, bucket: bucket}
}

func (b *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	defer output.Body.Close()
	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *S3Storage) Set(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (b *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("blobstore: list %q: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

func isNotFound(err error) bool {
	var responseError *awshttp.ResponseError
	if errors.As(err, &responseError) && responseError.ResponseError.HTTPStatusCode() == 404 {
		return true
	}
	var nsk *s3types.NoSuchKey
	return errors.As(err, &nsk)
}

// ------------------------------------------------------------

// FsStorage stores blobs under a root directory, creating
// subdirectories on demand as keys are written.
type FsStorage struct {
	root string
}

func NewFsStorage(rootDirectory string) *FsStorage {
	return &FsStorage{root: rootDirectory}
}

func (f *FsStorage) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *FsStorage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return data, nil
}

func (f *FsStorage) Set(ctx context.Context, key string, data []byte) error {
	filePath := f.path(key)

	err := os.WriteFile(filePath, data, 0o644)
	if err == nil {
		return nil
	}

	if os.IsNotExist(err) {
		dir := filepath.Dir(filePath)
		if mkdirErr := os.MkdirAll(dir, 0o755); mkdirErr != nil {
			return fmt.Errorf("blobstore: create directories for %q: %w", key, mkdirErr)
		}
		return os.WriteFile(filePath, data, 0o644)
	}

	return err
}

func (f *FsStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (f *FsStorage) List(ctx context.Context, prefix string) ([]string, error) {
	root := f.path(prefix)
	dir := filepath.Dir(root)

	var keys []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("blobstore: list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
