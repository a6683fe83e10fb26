// Package s3 provides a storage adapter for an S3-compatible backend (AWS S3
// or MinIO). Each record is a single JSON document under a key prefix.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"smartobject/pkg/object"
)

// Store implements object.Storage on a single S3 bucket. Keys map to object
// keys as <prefix><pk>.json.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// Config holds explicit construction parameters (mostly for tests). For prod
// we rely primarily on environment variables.
type Config struct {
	Region    string
	Bucket    string
	Prefix    string // optional key prefix, e.g. "objects/"
	Endpoint  string // optional; if set enables custom endpoint (e.g. MinIO)
	PathStyle bool
}

// Environment variables (documented in README):
//   SMARTOBJECT_STORAGE_DRIVER=s3
//   SMARTOBJECT_S3_BUCKET=<bucket> (required)
//   SMARTOBJECT_S3_REGION=<region> (default us-east-1)
//   SMARTOBJECT_S3_ENDPOINT=<url> (optional, for MinIO)
//   SMARTOBJECT_S3_PREFIX=<prefix> (optional)
//   SMARTOBJECT_S3_PATH_STYLE=true|false (default false)
//   AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// New creates an S3 store from Config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// OpenFromEnv constructs an S3 store from process environment.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	bucket := os.Getenv("SMARTOBJECT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("SMARTOBJECT_S3_BUCKET required for s3 driver")
	}
	cfg := Config{
		Bucket:    bucket,
		Region:    os.Getenv("SMARTOBJECT_S3_REGION"),
		Endpoint:  os.Getenv("SMARTOBJECT_S3_ENDPOINT"),
		Prefix:    os.Getenv("SMARTOBJECT_S3_PREFIX"),
		PathStyle: strings.EqualFold(os.Getenv("SMARTOBJECT_S3_PATH_STYLE"), "true"),
	}
	return New(ctx, cfg)
}

// GeneratesKeys implements object.Storage.
func (s *Store) GeneratesKeys() bool { return false }

func (s *Store) keyFor(pk any) string {
	return s.prefix + fmt.Sprint(pk) + ".json"
}

// Load implements object.Storage.
func (s *Store) Load(ctx context.Context, pk any) (map[string]any, error) {
	data, err := s.getDoc(ctx, s.keyFor(pk))
	if err != nil {
		if isNotFound(err) {
			return nil, object.NotFoundError{Storage: "s3", PK: pk}
		}
		return nil, err
	}
	return data, nil
}

// LoadAll implements object.Storage, paging through the bucket listing. The
// record Info carries the object key.
func (s *Store) LoadAll(ctx context.Context, fn func(object.Record) error) error {
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &s.prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			data, err := s.getDoc(ctx, key)
			if err != nil {
				return err
			}
			if err := fn(object.Record{Data: data, Info: key}); err != nil {
				return err
			}
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		return nil
	}
}

// Save implements object.Storage. Partial updates are folded into the
// existing document before the write.
func (s *Store) Save(ctx context.Context, pk any, data, modified map[string]any) (any, error) {
	if pk == nil {
		return nil, object.LookupError{Storage: "s3", Msg: "save without primary key"}
	}
	key := s.keyFor(pk)
	if len(modified) < len(data) {
		existing, err := s.getDoc(ctx, key)
		if err == nil {
			for k, v := range modified {
				existing[k] = v
			}
			data = existing
		} else if !isNotFound(err) {
			return nil, err
		}
	}
	if err := s.putDoc(ctx, key, data); err != nil {
		return nil, err
	}
	return pk, nil
}

// Delete implements object.Storage.
func (s *Store) Delete(ctx context.Context, pk any, _ []string) error {
	key := s.keyFor(pk)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key})
	return err
}

// GetProp implements object.Storage.
func (s *Store) GetProp(ctx context.Context, pk any, prop string) (any, error) {
	data, err := s.getDoc(ctx, s.keyFor(pk))
	if err != nil {
		if isNotFound(err) {
			return nil, object.LookupError{Storage: "s3", Msg: fmt.Sprintf("object %v not saved yet", pk)}
		}
		return nil, err
	}
	return data[prop], nil
}

// SetProp implements object.Storage via load-modify-write on the document.
func (s *Store) SetProp(ctx context.Context, pk any, prop string, value any) error {
	key := s.keyFor(pk)
	data, err := s.getDoc(ctx, key)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		data = make(map[string]any)
	}
	data[prop] = value
	return s.putDoc(ctx, key, data)
}

// Purge implements object.Storage; object deletes are immediate.
func (s *Store) Purge(context.Context) (int, error) { return 0, nil }

// Cleanup implements object.Storage.
func (s *Store) Cleanup(ctx context.Context, live []any) (int, error) {
	keep := make(map[string]struct{}, len(live))
	for _, pk := range live {
		keep[s.keyFor(pk)] = struct{}{}
	}
	removed := 0
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &s.prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return removed, err
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			if _, ok := keep[key]; ok {
				continue
			}
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
				return removed, err
			}
			removed++
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		return removed, nil
	}
}

func (s *Store) getDoc(ctx context.Context, key string) (map[string]any, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if data == nil {
		data = make(map[string]any)
	}
	return data, nil
}

func (s *Store) putDoc(ctx context.Context, key string, data map[string]any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	ct := "application/json"
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(b),
		ContentType: &ct,
	})
	return err
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	// Generic API errors from non-AWS endpoints surface as status text.
	return strings.Contains(err.Error(), "StatusCode: 404") ||
		strings.Contains(err.Error(), "NoSuchKey")
}

var _ object.Storage = (*Store)(nil)
