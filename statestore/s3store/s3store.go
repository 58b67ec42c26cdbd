// Package s3store keeps state in an S3 bucket (or any S3 compatible endpoint).
// Versions are object ETags; conditional writes use the If-Match and
// If-None-Match preconditions on PutObject, which S3 evaluates atomically.
package s3store

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/statestore"
)

// Config selects the bucket and optional key prefix. Endpoint and
// ForcePathStyle allow S3 compatible servers such as MinIO.
type Config struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	ForcePathStyle bool

	// Static credentials, mostly for S3 compatible servers. Empty uses the
	// default AWS credential chain.
	AccessKeyID     string
	SecretAccessKey string
}

type s3Store struct {
	client *s3.S3
	bucket string
	prefix string
}

// New builds a Store from cfg.
func New(cfg Config) (statestore.Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3store: bucket is required")
	}
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.DisableSSL = aws.Bool(strings.HasPrefix(cfg.Endpoint, "http://"))
	}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	log.WithFields(log.Fields{
		"bucket": cfg.Bucket,
		"prefix": cfg.Prefix,
		"region": cfg.Region,
	}).Info("Making new S3 state store")
	return &s3Store{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *s3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *s3Store) storeKey(objectKey string) string {
	if s.prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(objectKey, s.prefix+"/")
}

// classify maps an SDK error onto the statestore taxonomy.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if rf, ok := err.(awserr.RequestFailure); ok {
		switch rf.StatusCode() {
		case http.StatusNotFound:
			return statestore.ErrNotFound
		case http.StatusPreconditionFailed, http.StatusConflict:
			// 409 is returned when a concurrent conditional write is in flight.
			return statestore.ErrConflict
		}
		if rf.StatusCode() >= 500 {
			return statestore.Unavailable(op, key, err)
		}
	}
	if request.IsErrorRetryable(err) || request.IsErrorThrottle(err) {
		return statestore.Unavailable(op, key, err)
	}
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == request.ErrCodeSerialization {
		return statestore.Unavailable(op, key, err)
	}
	return errors.Wrapf(err, "s3 %s %s", op, key)
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, statestore.Version, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, statestore.NoVersion, classify("get", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, statestore.NoVersion, statestore.Unavailable("get", key, err)
	}
	return data, statestore.Version(aws.StringValue(out.ETag)), nil
}

func (s *s3Store) PutIfMatch(ctx context.Context, key string, value []byte, v statestore.Version) (statestore.Version, error) {
	req, out := s.client.PutObjectRequest(&s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
	})
	if v == statestore.NoVersion {
		req.HTTPRequest.Header.Set("If-None-Match", "*")
	} else {
		req.HTTPRequest.Header.Set("If-Match", string(v))
	}
	req.SetContext(ctx)
	if err := req.Send(); err != nil {
		return statestore.NoVersion, classify("put", key, err)
	}
	return statestore.Version(aws.StringValue(out.ETag)), nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, s.storeKey(aws.StringValue(obj.Key)))
		}
		return true
	})
	if err != nil {
		return nil, classify("list", prefix, err)
	}
	return keys, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err := classify("delete", key, err); err != nil && !statestore.IsNotFound(err) {
		return err
	}
	return nil
}
