package integration

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"

	"s3kit/internal/fakes3"
	"s3kit/pkg/s3"
)

// newClients returns both clients, pointed at the same verifying fake
// server and bucket. Cross-client visibility is the point: what one client
// writes the other must read.
func newClients(t *testing.T, bucket string) (*s3.Bucket, *minio.Client) {
	t.Helper()

	srv := httptest.NewServer(fakes3.New(accessKey, secretKey).Handler())
	t.Cleanup(srv.Close)

	b, err := s3.New(s3.Config{
		Name:      bucket,
		BaseURL:   srv.URL + "/" + bucket,
		AccessKey: accessKey,
		SecretKey: secretKey,
	})
	require.NoError(t, err, "creating bucket client")

	mc := newMinioClientFor(t, srv)
	require.NoError(t, mc.MakeBucket(context.Background(), bucket, minio.MakeBucketOptions{}))
	return b, mc
}

func newMinioClientFor(t *testing.T, srv *httptest.Server) *minio.Client {
	t.Helper()
	client, err := minio.New(strings.TrimPrefix(srv.URL, "http://"), &minio.Options{
		Creds:        credentials.NewStaticV2(accessKey, secretKey, ""),
		Secure:       false,
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	require.NoError(t, err, "creating minio client")
	return client
}

func TestInteropPutHereGetThere(t *testing.T) {
	t.Parallel()

	b, mc := newClients(t, "interop-put")
	ctx := context.Background()

	content := []byte(`{"written_by":"bucket client"}`)
	err := b.Put(ctx, "doc.json", content, &s3.PutOptions{
		Metadata: map[string]string{"writer": "native"},
	})
	require.NoError(t, err, "uploading with bucket client")

	stat, err := mc.StatObject(ctx, "interop-put", "doc.json", minio.StatObjectOptions{})
	require.NoError(t, err, "stat with minio client")
	require.Equal(t, int64(len(content)), stat.Size)
	require.Equal(t, "application/json", stat.ContentType)
	require.Equal(t, "native", stat.UserMetadata["Writer"])

	obj, err := mc.GetObject(ctx, "interop-put", "doc.json", minio.GetObjectOptions{})
	require.NoError(t, err)
	defer obj.Close()
	got, err := io.ReadAll(obj)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestInteropGetHerePutThere(t *testing.T) {
	t.Parallel()

	b, mc := newClients(t, "interop-get")
	ctx := context.Background()

	content := []byte("written by minio")
	_, err := mc.PutObject(ctx, "interop-get", "note.txt", bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType:  "text/plain",
		UserMetadata: map[string]string{"writer": "minio"},
	})
	require.NoError(t, err, "uploading with minio client")

	body, info, err := b.Get(ctx, "note.txt")
	require.NoError(t, err, "downloading with bucket client")
	defer body.Close()
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.Equal(t, "text/plain", info.ContentType)
	require.Equal(t, "minio", info.Metadata["writer"])
}

func TestInteropListing(t *testing.T) {
	t.Parallel()

	b, mc := newClients(t, "interop-list")
	ctx := context.Background()

	for _, key := range []string{"a/1", "a/2", "b/1"} {
		_, err := mc.PutObject(ctx, "interop-list", key, strings.NewReader(key), int64(len(key)), minio.PutObjectOptions{})
		require.NoError(t, err, "uploading %s", key)
	}

	var keys []string
	for entry := range b.List(ctx, s3.ListOptions{Prefix: "a/", MaxKeys: 1}) {
		require.NoError(t, entry.Err, "listing entry")
		keys = append(keys, entry.Key)
	}
	require.Equal(t, []string{"a/1", "a/2"}, keys)
}

func TestInteropPresignedURL(t *testing.T) {
	t.Parallel()

	b, mc := newClients(t, "interop-presign")
	ctx := context.Background()

	content := []byte("presign me")
	_, err := mc.PutObject(ctx, "interop-presign", "shared.bin", bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{})
	require.NoError(t, err)

	u := b.PresignGetIn("shared.bin", time.Hour)

	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "presigned fetch accepted")
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, content, got)
}
