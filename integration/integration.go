// Package integration drives fairing's build-worker and HTTP-serve
// paths end to end against real backends: a Consul container for the
// metadata repository and a MinIO container for the blob store, in
// place of the in-memory/filesystem doubles the rest of the module's
// tests use. Testcontainers gives each test its own isolated Consul
// and MinIO rather than relying on a shared dev instance.
package integration

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	consul "github.com/hashicorp/consul/api"
	"github.com/testcontainers/testcontainers-go"
	tcConsul "github.com/testcontainers/testcontainers-go/modules/consul"
	"github.com/testcontainers/testcontainers-go/modules/minio"

	"forge.static-hosting.dev/platform/internal/blobstore"
	"forge.static-hosting.dev/platform/internal/metadata"
)

const integrationKeyPrefix = "fairing-integration"

// consulSetup starts a Consul container and returns a Repository
// backed by it, plus a cleanup func that terminates the container.
func consulSetup(ctx context.Context) (*metadata.Consul, func(), error) {
	container, err := tcConsul.RunContainer(ctx,
		testcontainers.WithImage("docker.io/hashicorp/consul:1.15"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("integration: start consul container: %w", err)
	}
	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			log.Printf("integration: terminate consul container: %v", err)
		}
	}

	endpoint, err := container.ApiEndpoint(ctx)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("integration: consul endpoint: %w", err)
	}

	cfg := consul.DefaultConfig()
	cfg.Address = endpoint
	client, err := consul.NewClient(cfg)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("integration: consul client: %w", err)
	}

	return metadata.NewConsul(client, integrationKeyPrefix), cleanup, nil
}

// minioSetup starts a MinIO container, provisions a bucket on it, and
// returns an S3Storage pointed at that bucket plus a cleanup func.
func minioSetup(ctx context.Context) (*blobstore.S3Storage, func(), error) {
	container, err := minio.RunContainer(ctx,
		testcontainers.WithImage("minio/minio:RELEASE.2024-01-16T16-07-38Z"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("integration: start minio container: %w", err)
	}
	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			log.Printf("integration: terminate minio container: %v", err)
		}
	}

	connString, err := container.ConnectionString(ctx)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("integration: minio connection string: %w", err)
	}
	endpoint := "http://" + connString

	const bucket = "fairing-integration"
	const region = "us-east-1"

	s3Config := aws.Config{
		Credentials:  credentials.NewStaticCredentialsProvider(container.Username, container.Password, ""),
		BaseEndpoint: aws.String(endpoint),
		Region:       region,
	}
	client := s3.NewFromConfig(s3Config, func(o *s3.Options) { o.UsePathStyle = true })
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("integration: create bucket: %w", err)
	}

	return blobstore.NewS3Storage(region, bucket, endpoint, container.Username, container.Password), cleanup, nil
}
