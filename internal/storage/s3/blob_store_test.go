package s3

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{}
	store, err := New(fake, Config{Bucket: "archive", Prefix: "raw/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "acme/src/job.html", "text/html", []byte("<p>hi</p>"))
	require.NoError(t, err)
	assert.Equal(t, "s3://archive/raw/acme/src/job.html", uri)
	assert.Equal(t, "archive", aws.ToString(fake.input.Bucket))
	assert.Equal(t, "raw/acme/src/job.html", aws.ToString(fake.input.Key))
	assert.Equal(t, "text/html", aws.ToString(fake.input.ContentType))
	assert.Equal(t, "<p>hi</p>", string(fake.body))
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&fakeS3{}, Config{})
	require.Error(t, err)

	store, err := New(&fakeS3{err: errors.New("access denied")}, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "k", "", nil)
	require.ErrorContains(t, err, "access denied")
	_, err = store.PutObject(context.Background(), " ", "", nil)
	require.ErrorContains(t, err, "path is required")
}
