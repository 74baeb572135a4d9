package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsledger/signing"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = params
	b, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &s3.PutObjectOutput{}, nil
}

func TestUpload_KeyAndMetadata(t *testing.T) {
	putter := &fakePutter{}
	a := NewWithClient(putter, "audit-bucket", "exports/")
	body := []byte("{\"seq\":1}\n")

	key, err := a.Upload(context.Background(), Snapshot{
		Body:     body,
		Entries:  1,
		HeadSeq:  42,
		HeadHash: "0123456789abcdef0123456789abcdef",
		KeyID:    "k1",
	})
	require.NoError(t, err)

	assert.Equal(t, "exports/chain-00000042-0123456789abcdef.ndjson", key)
	assert.Equal(t, "audit-bucket", aws.ToString(putter.input.Bucket))
	assert.Equal(t, key, aws.ToString(putter.input.Key))
	assert.Equal(t, "application/x-ndjson", aws.ToString(putter.input.ContentType))
	assert.Equal(t, body, putter.body)
	assert.Equal(t, "42", putter.input.Metadata["head-seq"])
	assert.Equal(t, signing.Hash(body).Hex(), putter.input.Metadata["body-sha256"])
}

func TestUpload_PropagatesError(t *testing.T) {
	a := NewWithClient(&fakePutter{err: errors.New("access denied")}, "b", "")
	_, err := a.Upload(context.Background(), Snapshot{HeadHash: "ab"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
