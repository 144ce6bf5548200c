package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"liveclass/pkg/types"
)

// Config locates the archive bucket holding copied recordings.
type Config struct {
	Endpoint   string        `mapstructure:"endpoint"`
	AccessKey  string        `mapstructure:"access_key"`
	SecretKey  string        `mapstructure:"secret_key"`
	Bucket     string        `mapstructure:"bucket"`
	Secure     bool          `mapstructure:"secure"`
	PresignTTL time.Duration `mapstructure:"presign_ttl"`
}

// Enabled reports whether an archive endpoint is configured.
func (c Config) Enabled() bool { return c.Endpoint != "" }

// objectClient is the subset of *minio.Client used here.
type objectClient interface {
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PresignedGetObject(ctx context.Context, bucket, object string, expires time.Duration, params url.Values) (*url.URL, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// File is one archived recording artifact.
type File struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	URL          string    `json:"url"`
}

// Archive lists and presigns the files the copy worker archived for a
// recording. Objects live under <date>/<acronym>/<sid>/.
type Archive struct {
	client objectClient
	bucket string
	ttl    time.Duration
}

// New connects to the archive endpoint.
func New(cfg Config) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return newArchive(client, cfg.Bucket, cfg.PresignTTL), nil
}

func newArchive(client objectClient, bucket string, ttl time.Duration) *Archive {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Archive{client: client, bucket: bucket, ttl: ttl}
}

// Prefix is the object prefix of one recording.
func Prefix(date, acronym, sid string) string {
	return path.Join(date, acronym, sid) + "/"
}

// Ping checks that the bucket is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	ok, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s: %w", a.bucket, ErrNoBucket)
	}
	return nil
}

// RecordingFiles lists rec's non-empty archived files, each with a
// presigned download URL, ordered by key.
func (a *Archive) RecordingFiles(ctx context.Context, rec *types.RecordingRecord) ([]File, error) {
	if rec.Date == "" || rec.Acronym == "" || rec.SID == "" {
		return nil, ErrIncompleteQuery
	}
	prefix := Prefix(rec.Date, rec.Acronym, rec.SID)
	log := zerolog.Ctx(ctx).With().Str("component", "storage").Str("prefix", prefix).Logger()

	var files []File
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if obj.Size <= 0 {
			continue
		}
		u, err := a.client.PresignedGetObject(ctx, a.bucket, obj.Key, a.ttl, nil)
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", obj.Key, err)
		}
		files = append(files, File{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified, URL: u.String()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Key < files[j].Key })
	log.Debug().Int("files", len(files)).Msg("Listed archived recording files")
	return files, nil
}
