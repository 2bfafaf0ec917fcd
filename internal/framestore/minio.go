package framestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"frameforge/internal/frame"
)

// ObjectConfig holds S3-compatible connection settings.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	Prefix    string
}

// ObjectStore keeps frames in an S3-compatible bucket through MinIO.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
	log    *slog.Logger
}

// NewObjectStore connects to the bucket, creating it when missing.
func NewObjectStore(ctx context.Context, cfg ObjectConfig, log *slog.Logger) (*ObjectStore, error) {
	if log == nil {
		log = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, translateError(err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, translateError(err)
		}
		log.Info("bucket created", "bucket", cfg.Bucket)
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/"), log: log}, nil
}

func (o *ObjectStore) FetchRaw(ctx context.Context, id string) (*frame.Frame, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	return o.Fetch(ctx, Location(AreaRaw, id))
}

func (o *ObjectStore) PutRaw(ctx context.Context, f *frame.Frame) (string, error) {
	return o.put(ctx, AreaRaw, f)
}

func (o *ObjectStore) Persist(ctx context.Context, f *frame.Frame) (string, error) {
	return o.put(ctx, AreaProcessed, f)
}

func (o *ObjectStore) PersistMaster(ctx context.Context, m *frame.CalibrationFrame) (string, error) {
	return o.put(ctx, AreaMasters, m.Frame)
}

func (o *ObjectStore) FetchMaster(ctx context.Context, location string) (*frame.Frame, error) {
	return o.Fetch(ctx, location)
}

func (o *ObjectStore) Fetch(ctx context.Context, location string) (*frame.Frame, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, o.key(location), minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(err)
	}
	defer func() {
		_ = obj.Close()
	}()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, translateError(err))
	}
	f, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return f, nil
}

func (o *ObjectStore) List(ctx context.Context, area Area) ([]Entry, error) {
	var entries []Entry
	for info := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{
		Prefix:    o.key(string(area)) + "/",
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, translateError(info.Err)
		}
		if path.Ext(info.Key) != Ext {
			continue
		}
		loc := strings.TrimPrefix(strings.TrimPrefix(info.Key, o.prefix), "/")
		e, err := o.entry(ctx, info.Key, loc)
		if err != nil {
			o.log.Warn("skipping unreadable frame", "key", info.Key, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

func (o *ObjectStore) entry(ctx context.Context, key, location string) (Entry, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Entry{}, translateError(err)
	}
	defer func() {
		_ = obj.Close()
	}()
	return DecodeEntry(obj, location)
}

func (o *ObjectStore) put(ctx context.Context, area Area, f *frame.Frame) (string, error) {
	if err := checkID(f.ID); err != nil {
		return "", err
	}
	data, err := Marshal(f)
	if err != nil {
		return "", err
	}
	loc := Location(area, f.ID)
	_, err = o.client.PutObject(ctx, o.bucket, o.key(loc), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/x-msgpack",
			UserMetadata: map[string]string{
				"obstype": string(f.Header.Type),
				"epoch":   f.Epoch(),
			},
		})
	if err != nil {
		return "", translateError(err)
	}
	o.log.Debug("frame uploaded", "bucket", o.bucket, "location", loc, "bytes", len(data))
	return loc, nil
}

func (o *ObjectStore) key(location string) string {
	if o.prefix == "" {
		return location
	}
	return o.prefix + "/" + location
}

// translateError maps MinIO errors onto the store's sentinel errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Key)
	default:
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
}
