package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"s3kit/internal/fakes3"
	"s3kit/pkg/s3"
)

const (
	BucketName    = "example-bucket"
	ObjectName    = "example.txt"
	ObjectContent = "Hello from the s3kit example!\n"

	accessKey = "example-access-key"
	secretKey = "example-secret-key"
)

// UploadAndStat uploads an object with metadata, then reads its metadata
// back via HEAD.
func UploadAndStat(ctx context.Context, bucket *s3.Bucket) error {
	err := bucket.Put(ctx, ObjectName, []byte(ObjectContent), &s3.PutOptions{
		Metadata: map[string]string{"origin": "example"},
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %q: %w", ObjectName, err)
	}
	slog.Info("Uploaded object", "key", ObjectName, "bucket", bucket.Name())

	info, err := bucket.Info(ctx, ObjectName)
	if err != nil {
		return fmt.Errorf("failed to stat object %q: %w", ObjectName, err)
	}
	slog.Info("Object metadata", "key", info.Key, "content_type", info.ContentType, "size", info.ContentLength, "origin", info.Metadata["origin"])
	return nil
}

// Download fetches the object back and checks the round trip.
func Download(ctx context.Context, bucket *s3.Bucket) error {
	body, _, err := bucket.Get(ctx, ObjectName)
	if err != nil {
		return fmt.Errorf("failed to download object %q: %w", ObjectName, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read object %q: %w", ObjectName, err)
	}
	if string(data) != ObjectContent {
		return fmt.Errorf("object %q came back altered", ObjectName)
	}
	slog.Info("Downloaded object", "key", ObjectName, "size", len(data))
	return nil
}

// CopyAndList copies the object to a nested key and lists the bucket page
// by page with a tiny page size to show the pagination at work.
func CopyAndList(ctx context.Context, bucket *s3.Bucket) error {
	copyKey := "copies/" + ObjectName
	if err := bucket.Copy(ctx, bucket.Name()+"/"+ObjectName, copyKey, nil); err != nil {
		return fmt.Errorf("failed to copy object to %q: %w", copyKey, err)
	}
	slog.Info("Copied object", "source", ObjectName, "dest", copyKey)

	for entry := range bucket.List(ctx, s3.ListOptions{MaxKeys: 1}) {
		if entry.Err != nil {
			return fmt.Errorf("failed to list bucket: %w", entry.Err)
		}
		slog.Info("Listed object", "key", entry.Key, "size", entry.Size)
	}
	return nil
}

// ShareAndFetch produces a pre-signed URL and fetches it without any
// credentials, the way a browser would.
func ShareAndFetch(bucket *s3.Bucket) error {
	u := bucket.PresignGetIn(ObjectName, 15*time.Minute)
	slog.Info("Pre-signed URL", "url", u)

	resp, err := http.Get(u)
	if err != nil {
		return fmt.Errorf("failed to fetch pre-signed URL: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pre-signed fetch answered status %d", resp.StatusCode)
	}
	slog.Info("Fetched object through pre-signed URL", "status", resp.StatusCode)
	return nil
}

func Run(ctx context.Context, bucket *s3.Bucket) error {
	if err := bucket.CreateBucket(ctx, nil); err != nil {
		return fmt.Errorf("failed to create bucket %q: %w", bucket.Name(), err)
	}
	slog.Info("Created bucket", "bucket", bucket.Name())

	if err := UploadAndStat(ctx, bucket); err != nil {
		return err
	}
	if err := Download(ctx, bucket); err != nil {
		return err
	}
	if err := CopyAndList(ctx, bucket); err != nil {
		return err
	}
	if err := ShareAndFetch(bucket); err != nil {
		return err
	}

	for _, key := range []string{ObjectName, "copies/" + ObjectName} {
		removed, err := bucket.Delete(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to delete object %q: %w", key, err)
		}
		slog.Info("Deleted object", "key", key, "removed", removed)
	}

	removed, err := bucket.DeleteBucket(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete bucket %q: %w", bucket.Name(), err)
	}
	slog.Info("Deleted bucket", "bucket", bucket.Name(), "removed", removed)
	return nil
}

func main() {
	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))

	// The example is self-contained: it runs against an in-memory server
	// that verifies every signature the client produces.
	srv := httptest.NewServer(fakes3.New(accessKey, secretKey).Handler())
	defer srv.Close()
	slog.Info("Started in-memory server", "url", srv.URL)

	bucket, err := s3.New(s3.Config{
		Name:      BucketName,
		BaseURL:   srv.URL + "/" + BucketName,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Timeout:   10 * time.Second,
	})
	if err != nil {
		slog.Error("failed to create bucket client", "error", err)
		os.Exit(1)
	}

	if err := Run(context.Background(), bucket); err != nil {
		slog.Error("example exited with error", "error", err)
		os.Exit(1)
	}
}
