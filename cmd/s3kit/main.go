package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"s3kit/pkg/s3"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: s3kit [flags] <command> [args]

commands:
  mb                    create the bucket
  rb                    delete the bucket
  put <file> [file...]  upload files (key = base name)
  get <key> [dest]      download an object (dest defaults to stdout)
  stat <key>            print an object's metadata
  ls [prefix]           list objects
  rm <key>              delete an object
  presign <key> [ttl]   print a pre-signed GET URL (ttl defaults to 1h)

flags:
`)
	flag.PrintDefaults()
}

func Run(ctx context.Context) error {
	bucketName := flag.String("bucket", getenv("S3_BUCKET", ""), "bucket name")
	endpoint := flag.String("endpoint", getenv("S3_ENDPOINT", ""), "endpoint base URL, e.g. http://localhost:9000")
	accessKey := flag.String("access-key", getenv("S3_ACCESS_KEY", ""), "access key ID")
	secretKey := flag.String("secret-key", getenv("S3_SECRET_KEY", ""), "secret access key")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request timeout")
	verbose := flag.Bool("verbose", false, "enable debug logging")

	flag.Usage = usage
	flag.Parse()

	level := log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))

	if flag.NArg() == 0 {
		usage()
		return errors.New("no command given")
	}
	if *bucketName == "" {
		return errors.New("a bucket name is required (-bucket or S3_BUCKET)")
	}

	cfg := s3.Config{
		Name:      *bucketName,
		AccessKey: *accessKey,
		SecretKey: *secretKey,
		Timeout:   *timeout,
	}
	if *endpoint != "" {
		cfg.BaseURL = *endpoint + "/" + *bucketName
	}
	bucket, err := s3.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create bucket client: %w", err)
	}

	command, args := flag.Arg(0), flag.Args()[1:]
	switch command {
	case "mb":
		return runMakeBucket(ctx, bucket)
	case "rb":
		return runRemoveBucket(ctx, bucket)
	case "put":
		return runPut(ctx, bucket, args)
	case "get":
		return runGet(ctx, bucket, args)
	case "stat":
		return runStat(ctx, bucket, args)
	case "ls":
		return runList(ctx, bucket, args)
	case "rm":
		return runRemove(ctx, bucket, args)
	case "presign":
		return runPresign(bucket, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runMakeBucket(ctx context.Context, bucket *s3.Bucket) error {
	if err := bucket.CreateBucket(ctx, nil); err != nil {
		return fmt.Errorf("failed to create bucket %q: %w", bucket.Name(), err)
	}
	slog.Info("Created bucket", "bucket", bucket.Name())
	return nil
}

func runRemoveBucket(ctx context.Context, bucket *s3.Bucket) error {
	removed, err := bucket.DeleteBucket(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete bucket %q: %w", bucket.Name(), err)
	}
	if !removed {
		slog.Warn("Bucket did not exist", "bucket", bucket.Name())
		return nil
	}
	slog.Info("Deleted bucket", "bucket", bucket.Name())
	return nil
}

// runPut uploads each named file under its base name. Uploads run in
// parallel, one goroutine per file.
func runPut(ctx context.Context, bucket *s3.Bucket, files []string) error {
	if len(files) == 0 {
		return errors.New("put: at least one file is required")
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, name := range files {
		eg.Go(func() error {
			data, err := os.ReadFile(name)
			if err != nil {
				return fmt.Errorf("failed to read %q: %w", name, err)
			}
			key := filepath.Base(name)
			if err := bucket.Put(ctx, key, data, nil); err != nil {
				return fmt.Errorf("failed to upload %q: %w", key, err)
			}
			slog.Info("Uploaded object", "key", key, "size", humanize.IBytes(uint64(len(data))))
			return nil
		})
	}
	return eg.Wait()
}

func runGet(ctx context.Context, bucket *s3.Bucket, args []string) error {
	if len(args) < 1 {
		return errors.New("get: a key is required")
	}
	key := args[0]

	body, info, err := bucket.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to download %q: %w", key, err)
	}
	defer body.Close()

	var dst io.Writer = os.Stdout
	if len(args) > 1 {
		f, err := os.Create(args[1])
		if err != nil {
			return fmt.Errorf("failed to create %q: %w", args[1], err)
		}
		defer f.Close()
		dst = f
	}
	n, err := io.Copy(dst, body)
	if err != nil {
		return fmt.Errorf("failed to write object data: %w", err)
	}
	slog.Debug("Downloaded object", "key", key, "size", humanize.IBytes(uint64(n)), "content_type", info.ContentType)
	return nil
}

func runStat(ctx context.Context, bucket *s3.Bucket, args []string) error {
	if len(args) != 1 {
		return errors.New("stat: exactly one key is required")
	}

	info, err := bucket.Info(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", args[0], err)
	}
	fmt.Printf("Key:           %s\n", info.Key)
	fmt.Printf("Content-Type:  %s\n", info.ContentType)
	fmt.Printf("Size:          %s (%d bytes)\n", humanize.IBytes(uint64(info.ContentLength)), info.ContentLength)
	fmt.Printf("ETag:          %s\n", info.ETag)
	fmt.Printf("Last-Modified: %s\n", info.LastModified.Format(time.RFC3339))
	for k, v := range info.Metadata {
		fmt.Printf("Meta %s: %s\n", k, v)
	}
	return nil
}

func runList(ctx context.Context, bucket *s3.Bucket, args []string) error {
	opts := s3.ListOptions{}
	if len(args) > 0 {
		opts.Prefix = args[0]
	}

	for entry := range bucket.List(ctx, opts) {
		if entry.Err != nil {
			return fmt.Errorf("failed to list bucket %q: %w", bucket.Name(), entry.Err)
		}
		fmt.Printf("%-10s  %s  %s\n", humanize.IBytes(uint64(entry.Size)), entry.LastModified.Format(time.RFC3339), entry.Key)
	}
	return nil
}

func runRemove(ctx context.Context, bucket *s3.Bucket, args []string) error {
	if len(args) != 1 {
		return errors.New("rm: exactly one key is required")
	}

	removed, err := bucket.Delete(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", args[0], err)
	}
	if !removed {
		slog.Warn("Object did not exist", "key", args[0])
		return nil
	}
	slog.Info("Deleted object", "key", args[0])
	return nil
}

func runPresign(bucket *s3.Bucket, args []string) error {
	if len(args) < 1 {
		return errors.New("presign: a key is required")
	}
	ttl := time.Hour
	if len(args) > 1 {
		parsed, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid ttl %q: %w", args[1], err)
		}
		ttl = parsed
	}
	fmt.Println(bucket.PresignGetIn(args[0], ttl))
	return nil
}

func main() {
	if err := Run(context.Background()); err != nil {
		slog.Error("s3kit exited with error", "error", err)
		os.Exit(1)
	}
}
