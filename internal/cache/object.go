package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/redis/go-redis/v9"
)

// ObjectCache is a write-through cache tier for responses above a size
// threshold: the body goes to an S3-compatible bucket, and a small Redis
// entry carries the metadata (size, content type, expiry) needed to decide
// freshness without a round trip to the object store on every lookup.
//
// Bucket entries set their own S3 expiration via a lifecycle rule
// configured on the bucket (out of scope here); ObjectCache itself treats
// the Redis metadata TTL as authoritative and deletes the object
// opportunistically when a Get finds it expired.
type ObjectCache struct {
	s3     *s3.Client
	meta   *redis.Client
	bucket string
}

type objectMeta struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewObjectCache wraps an S3-compatible client and a Redis client used
// purely for metadata bookkeeping.
func NewObjectCache(s3Client *s3.Client, metaClient *redis.Client, bucket string) *ObjectCache {
	return &ObjectCache{s3: s3Client, meta: metaClient, bucket: bucket}
}

func (c *ObjectCache) Get(ctx context.Context, key string) ([]byte, bool) {
	metaRaw, err := c.meta.Get(ctx, metaKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var m objectMeta
	if err := unmarshalMeta(metaRaw, &m); err != nil {
		return nil, false
	}
	if time.Now().After(m.ExpiresAt) {
		_ = c.Delete(ctx, key)
		return nil, false
	}

	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(m.Key),
	})
	if err != nil {
		return nil, false
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false
	}
	return body, true
}

func (c *ObjectCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	objKey := fmt.Sprintf("cache/%s", key)

	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
		StorageClass: types.StorageClassStandard,
	})
	if err != nil {
		return fmt.Errorf("cache: object put: %w", err)
	}

	m := objectMeta{
		Key:         objKey,
		ContentType: "application/json",
		Size:        int64(len(value)),
		ExpiresAt:   time.Now().Add(ttl),
	}
	raw, err := marshalMeta(m)
	if err != nil {
		return err
	}
	return c.meta.Set(ctx, metaKey(key), raw, ttl).Err()
}

func (c *ObjectCache) Delete(ctx context.Context, key string) error {
	metaRaw, err := c.meta.Get(ctx, metaKey(key)).Bytes()
	if err == nil {
		var m objectMeta
		if unmarshalMeta(metaRaw, &m) == nil {
			_, _ = c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(c.bucket),
				Key:    aws.String(m.Key),
			})
		}
	}
	return c.meta.Del(ctx, metaKey(key)).Err()
}

func metaKey(key string) string { return "cache:obj:meta:" + key }

var errInvalidMeta = errors.New("cache: invalid object metadata")
