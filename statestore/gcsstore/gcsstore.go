// Package gcsstore keeps state in a Google Cloud Storage bucket. Versions are
// object generations; conditional writes use GenerationMatch and DoesNotExist
// preconditions, which GCS evaluates atomically.
package gcsstore

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/twitter/corral/statestore"
)

// Config selects the bucket and optional key prefix. Endpoint is for the GCS
// emulator and implies unauthenticated access.
type Config struct {
	Bucket   string
	Prefix   string
	Endpoint string
}

// Store is a statestore.Store over one GCS bucket.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// New creates a GCS client with default credentials (or the emulator endpoint).
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcsstore: bucket is required")
	}
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCS client")
	}
	log.WithFields(log.Fields{
		"bucket": cfg.Bucket,
		"prefix": cfg.Prefix,
	}).Info("Making new GCS state store")
	return &Store{client: client, bucket: client.Bucket(cfg.Bucket), prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) storeKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, s.prefix+"/")
}

func versionOf(generation int64) statestore.Version {
	return statestore.Version(strconv.FormatInt(generation, 10))
}

// classify maps client errors onto the statestore taxonomy.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return statestore.ErrNotFound
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusPreconditionFailed:
			return statestore.ErrConflict
		case gerr.Code == http.StatusNotFound:
			return statestore.ErrNotFound
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return statestore.Unavailable(op, key, err)
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return statestore.Unavailable(op, key, err)
	}
	return errors.Wrapf(err, "gcs %s %s", op, key)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, statestore.Version, error) {
	r, err := s.bucket.Object(s.objectName(key)).NewReader(ctx)
	if err != nil {
		return nil, statestore.NoVersion, classify("get", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, statestore.NoVersion, statestore.Unavailable("get", key, err)
	}
	return data, versionOf(r.Attrs.Generation), nil
}

func (s *Store) PutIfMatch(ctx context.Context, key string, value []byte, v statestore.Version) (statestore.Version, error) {
	cond := storage.Conditions{DoesNotExist: true}
	if v != statestore.NoVersion {
		gen, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil || gen <= 0 {
			// not a generation this store ever issued
			return statestore.NoVersion, statestore.ErrConflict
		}
		cond = storage.Conditions{GenerationMatch: gen}
	}
	w := s.bucket.Object(s.objectName(key)).If(cond).NewWriter(ctx)
	w.ContentType = "application/json"
	// Small records: one request, no resumable upload session.
	w.ChunkSize = 0
	if _, err := w.Write(value); err != nil {
		w.Close()
		return statestore.NoVersion, classify("put", key, err)
	}
	if err := w.Close(); err != nil {
		return statestore.NoVersion, classify("put", key, err)
	}
	return versionOf(w.Attrs().Generation), nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.objectName(prefix)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify("list", prefix, err)
		}
		keys = append(keys, s.storeKey(attrs.Name))
	}
	return keys, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := classify("delete", key, s.bucket.Object(s.objectName(key)).Delete(ctx))
	if err != nil && !statestore.IsNotFound(err) {
		return err
	}
	return nil
}
