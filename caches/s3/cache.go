package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

const (
	markerObject = ".store"

	contentTypeHTTP = "application/http"

	codeNoSuchKey = "NoSuchKey"
)

// Config defines the configuration options for the S3 cache implementation.
type Config struct {
	Bucket string

	// Prefix namespaces every object written by the storage, e.g. "offline/".
	Prefix string

	// MaxEntrySize rejects responses with larger bodies. Zero means caches.DefaultMaxEntrySize.
	MaxEntrySize int64
}

// ClientConfig holds the connection settings used by NewClient.
type ClientConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Storage implements offlinecache.Storage on an S3 compatible bucket. Each store is a "directory"
// holding a marker object and one object per entry, named by the SHA-256 of the request key.
type Storage struct {
	client *minio.Client

	bucket       string
	prefix       string
	maxEntrySize int64
}

// Cache is one named store inside a Storage.
type Cache struct {
	s    *Storage
	name string
}

// NewClient creates a minio client from static credentials.
func NewClient(cfg ClientConfig) (*minio.Client, error) {
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
}

// New creates a new S3 cache storage. It does not contact the bucket; use Ping for that.
func New(client *minio.Client, config *Config) (*Storage, error) {
	if client == nil {
		return nil, caches.ValidationError{Reason: "nil client"}
	}
	if config == nil || config.Bucket == "" {
		return nil, caches.ValidationError{Reason: "bucket is required"}
	}

	prefix := config.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	maxEntrySize := caches.DefaultMaxEntrySize
	if config.MaxEntrySize > 0 {
		maxEntrySize = config.MaxEntrySize
	}

	return &Storage{
		client:       client,
		bucket:       config.Bucket,
		prefix:       prefix,
		maxEntrySize: maxEntrySize,
	}, nil
}

// Ping verifies that the bucket exists.
func (s *Storage) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *Storage) Open(ctx context.Context, name string) (offlinecache.Store, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, caches.ValidationError{Reason: "invalid cache name " + name}
	}

	marker := s.storePrefix(name) + markerObject
	_, err := s.client.StatObject(ctx, s.bucket, marker, minio.StatObjectOptions{})
	switch {
	case err == nil:
	case isNotFound(err):
		if _, err := s.client.PutObject(ctx, s.bucket, marker, bytes.NewReader(nil), 0, minio.PutObjectOptions{}); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return &Cache{s: s, name: name}, nil
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	prefix := s.storePrefix(name)

	_, err := s.client.StatObject(ctx, s.bucket, prefix+markerObject, minio.StatObjectOptions{})
	found := err == nil
	if err != nil && !isNotFound(err) {
		return false, err
	}

	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})

	var errs []error
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("removing %s: %w", rerr.ObjectName, rerr.Err))
	}

	return found, errors.Join(errs...)
}

// Keys lists the stores under the prefix, oldest marker first.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	type store struct {
		name    string
		created time.Time
	}

	var stores []store
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if !strings.HasSuffix(obj.Key, "/") {
			continue
		}

		info, err := s.client.StatObject(ctx, s.bucket, obj.Key+markerObject, minio.StatObjectOptions{})
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}

		stores = append(stores, store{
			name:    strings.TrimSuffix(strings.TrimPrefix(obj.Key, s.prefix), "/"),
			created: info.LastModified,
		})
	}

	slices.SortStableFunc(stores, func(a, b store) int {
		if c := a.created.Compare(b.created); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})

	names := make([]string, 0, len(stores))
	for _, st := range stores {
		names = append(names, st.name)
	}

	return names, nil
}

func (s *Storage) Match(ctx context.Context, key string) (*offlinecache.Entry, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		item, err := (&Cache{s: s, name: name}).Match(ctx, key)
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, caches.ErrNoCacheItem) {
			return nil, err
		}
	}

	return nil, caches.ErrNoCacheItem
}

func (c *Cache) Match(ctx context.Context, key string) (*offlinecache.Entry, error) {
	obj, err := c.s.client.GetObject(ctx, c.s.bucket, c.s.objectName(c.name, key), minio.GetObjectOptions{})
	if err != nil {
		return nil, notFoundAsMiss(err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, notFoundAsMiss(err)
	}

	wire, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}

	return offlinecache.ParseEntry(key, wire, info.LastModified.UTC())
}

func (c *Cache) Put(ctx context.Context, key string, e *offlinecache.Entry) error {
	if int64(len(e.Body)) > c.s.maxEntrySize {
		return caches.ErrEntryTooLarge
	}

	wire, err := e.Dump()
	if err != nil {
		return err
	}

	_, err = c.s.client.PutObject(ctx, c.s.bucket, c.s.objectName(c.name, key), bytes.NewReader(wire), int64(len(wire)),
		minio.PutObjectOptions{ContentType: contentTypeHTTP})
	return err
}

func (s *Storage) storePrefix(name string) string {
	return s.prefix + name + "/"
}

// objectName hashes the request key, which may be longer than an object name allows.
func (s *Storage) objectName(name, key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.storePrefix(name) + hex.EncodeToString(sum[:])
}

func isNotFound(err error) bool {
	return minio.ToErrorResponse(err).Code == codeNoSuchKey
}

func notFoundAsMiss(err error) error {
	if isNotFound(err) {
		return caches.ErrNoCacheItem
	}
	return err
}
