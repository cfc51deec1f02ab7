//go:build integration

package s3

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
	testRegion    = "us-east-1"
	testBucket    = "docforge-test"
)

// setupMinIOContainer mirrors the teacher's own MinIO fixture
// (storage/s3aws_integration_test.go), starting an S3-compatible server
// and creating the bucket this package's source reads from.
func setupMinIOContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     testAccessKey,
			"MINIO_ROOT_PASSWORD": testSecretKey,
		},
		Cmd: []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").
			WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	endpoint := fmt.Sprintf("http://%s:%s", host, port.Port())
	require.NoError(t, createBucketAndObject(ctx, endpoint))
	return endpoint
}

func minioClient(ctx context.Context, endpoint string) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(testRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(testAccessKey, testSecretKey, "")),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	}), nil
}

func createBucketAndObject(ctx context.Context, endpoint string) error {
	client, err := minioClient(ctx, endpoint)
	if err != nil {
		return err
	}
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(testBucket)}); err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(testBucket),
		Key:    aws.String("docs/hello.txt"),
		Body:   nil,
	})
	return err
}

func newTestSource(t *testing.T, endpoint string) *Source {
	t.Helper()
	src, err := New("bucket-docs", map[string]any{
		"bucket":            testBucket,
		"region":            testRegion,
		"endpoint":          endpoint,
		"access_key_id":     testAccessKey,
		"secret_access_key": testSecretKey,
	})
	require.NoError(t, err)
	return src.(*Source)
}

func TestListReturnsUploadedObjects(t *testing.T) {
	endpoint := setupMinIOContainer(t)
	src := newTestSource(t, endpoint)

	refs, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "bucket-docs:docs/hello.txt", refs[0].DocID)
}

func TestFetchDownloadsObjectContent(t *testing.T) {
	endpoint := setupMinIOContainer(t)
	src := newTestSource(t, endpoint)

	client, err := minioClient(context.Background(), endpoint)
	require.NoError(t, err)
	_, err = client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(testBucket),
		Key:    aws.String("docs/body.txt"),
		Body:   nil,
	})
	require.NoError(t, err)

	result, err := src.Fetch(context.Background(), "bucket-docs:docs/body.txt")
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestHasChangedComparesLastModified(t *testing.T) {
	endpoint := setupMinIOContainer(t)
	src := newTestSource(t, endpoint)

	changed, err := src.HasChanged(context.Background(), "bucket-docs:docs/hello.txt", time.Unix(0, 0))
	require.NoError(t, err)
	assert.True(t, changed, "object modified long after the unix epoch should register as changed")

	changed, err = src.HasChanged(context.Background(), "bucket-docs:docs/hello.txt", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed, "object modified before lastSeen should not register as changed")
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New("bucket-docs", map[string]any{})
	assert.Error(t, err)
}
