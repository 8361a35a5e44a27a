package postgres

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects   map[string][]byte
	metadata  map[string]map[string]string
	headErr   error
	createErr error
	putErr    error
	created   bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, metadata: map[string]map[string]string{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.metadata[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = true
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &s3.CreateBucketOutput{}, nil
}

func TestS3Client_PutObject(t *testing.T) {
	fake := newFakeS3()
	c := newS3Client(fake, "archive")

	err := c.PutObject(context.Background(), "unresolved-events/evt_1.json", []byte(`{"id":"evt_1"}`), "application/json")
	require.NoError(t, err)

	assert.Equal(t, `{"id":"evt_1"}`, string(fake.objects["unresolved-events/evt_1.json"]))
	// sha256 of {"id":"evt_1"}
	assert.Len(t, fake.metadata["unresolved-events/evt_1.json"]["checksum-sha256"], 64)
	assert.Equal(t, "archive", c.Bucket())

	fake.putErr = errors.New("access denied")
	err = c.PutObject(context.Background(), "k", []byte("x"), "text/plain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upload to s3")
}

func TestS3Client_EnsureBucket(t *testing.T) {
	ctx := context.Background()

	t.Run("exists", func(t *testing.T) {
		fake := newFakeS3()
		require.NoError(t, newS3Client(fake, "b").ensureBucket(ctx))
		assert.False(t, fake.created)
	})

	t.Run("missing is created", func(t *testing.T) {
		fake := newFakeS3()
		fake.headErr = &types.NotFound{}
		require.NoError(t, newS3Client(fake, "b").ensureBucket(ctx))
		assert.True(t, fake.created)
	})

	t.Run("lost creation race", func(t *testing.T) {
		fake := newFakeS3()
		fake.headErr = &types.NotFound{}
		fake.createErr = &types.BucketAlreadyOwnedByYou{}
		assert.NoError(t, newS3Client(fake, "b").ensureBucket(ctx))
	})

	t.Run("other head error", func(t *testing.T) {
		fake := newFakeS3()
		fake.headErr = errors.New("forbidden")
		assert.Error(t, newS3Client(fake, "b").ensureBucket(ctx))
		assert.False(t, fake.created)
	})
}

func TestS3Client_HealthCheck(t *testing.T) {
	fake := newFakeS3()
	c := newS3Client(fake, "b")
	assert.NoError(t, c.HealthCheck(context.Background()))

	fake.headErr = errors.New("timeout")
	assert.Error(t, c.HealthCheck(context.Background()))
}
