package entitystore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"gbfs-go/internal/gbfs"
)

// Object metadata keys. S3 lowercases metadata names, so tags travel as a
// single encoded value rather than one header per tag.
const (
	s3MetaTags    = "gbfs-tags"
	s3MetaExpires = "gbfs-expires"

	// s3HeadConcurrency bounds parallel HeadObject and GetObject calls
	// during a query.
	s3HeadConcurrency = 8

	// s3DeleteBatch is the DeleteObjects per-request limit.
	s3DeleteBatch = 1000
)

// S3Options configures an S3Store.
type S3Options struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string // for S3-compatible services such as R2 or MinIO
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Store implements gbfs.EntityStore on an S3 bucket, one object per
// record at <prefix>/<key>. Tags and expiry are stored in object metadata.
// S3 has no secondary index, so a query lists the prefix and inspects the
// metadata of every object; it suits modest record counts.
type S3Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
	now        func() time.Time
}

var _ gbfs.EntityStore = (*S3Store)(nil)

// NewS3Store builds an S3 client from opts. Static credentials are used
// when an access key is configured; otherwise the default AWS credential
// chain applies.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", gbfs.ErrNotInitialized)
	}
	if opts.AccessKey != "" && opts.SecretKey == "" {
		return nil, fmt.Errorf("%w: s3 access key is set but the secret key is missing", gbfs.ErrNotInitialized)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewS3StoreFromClient(client, opts.Bucket, opts.Prefix), nil
}

// NewS3StoreFromClient wraps an existing client.
func NewS3StoreFromClient(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
		now:        time.Now,
	}
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Store) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *S3Store) CreateEntities(ctx context.Context, creates []gbfs.EntityCreate) ([]string, error) {
	if err := validateCreates(creates); err != nil {
		return nil, err
	}

	now := s.now()
	keys := make([]string, 0, len(creates))
	for _, c := range creates {
		meta, err := encodeS3Metadata(c.Tags, expiresAt(now, c.TTL))
		if err != nil {
			return keys, err
		}
		key := newKey()
		_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.objectKey(key)),
			Body:        bytes.NewReader(c.Payload),
			ContentType: aws.String("application/octet-stream"),
			Metadata:    meta,
		})
		if err != nil {
			return keys, fmt.Errorf("uploading object %s: %w", key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *S3Store) QueryEntities(ctx context.Context, filter gbfs.Filter) ([]gbfs.Entity, error) {
	if err := beginQuery(ctx, filter); err != nil {
		return nil, err
	}

	var objectKeys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.listPrefix()),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects: %w", err)
		}
		for _, obj := range page.Contents {
			objectKeys = append(objectKeys, aws.ToString(obj.Key))
		}
	}

	now := s.now()
	var (
		mu  sync.Mutex
		out []gbfs.Entity
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s3HeadConcurrency)
	for _, objKey := range objectKeys {
		g.Go(func() error {
			head, err := s.client.HeadObject(gctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(objKey),
			})
			if err != nil {
				var nf *s3types.NotFound
				if errors.As(err, &nf) {
					// Deleted since the listing.
					return nil
				}
				return fmt.Errorf("reading metadata of %s: %w", objKey, err)
			}
			tags, exp, err := decodeS3Metadata(head.Metadata)
			if err != nil {
				return fmt.Errorf("object %s: %w", objKey, err)
			}
			if expired(exp, now) || !filter.Matches(tags) {
				return nil
			}

			buf := manager.NewWriteAtBuffer(make([]byte, 0, aws.ToInt64(head.ContentLength)))
			if _, err := s.downloader.Download(gctx, buf, &s3.GetObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(objKey),
			}); err != nil {
				return fmt.Errorf("downloading %s: %w", objKey, err)
			}

			mu.Lock()
			out = append(out, gbfs.Entity{Key: path.Base(objKey), Payload: buf.Bytes(), Tags: tags})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *S3Store) DeleteEntities(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += s3DeleteBatch {
		batch := keys[start:min(start+s3DeleteBatch, len(keys))]
		ids := make([]s3types.ObjectIdentifier, len(batch))
		for i, k := range batch {
			ids[i] = s3types.ObjectIdentifier{Key: aws.String(s.objectKey(k))}
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("deleting objects: %w", err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("deleting %s: %s: %s (%d of %d objects failed)",
				aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message), len(out.Errors), len(batch))
		}
	}
	return nil
}

func (s *S3Store) Close() error { return nil }

func encodeS3Metadata(tags map[string]string, exp time.Time) (map[string]string, error) {
	raw, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encoding tags: %w", err)
	}
	meta := map[string]string{s3MetaTags: base64.RawURLEncoding.EncodeToString(raw)}
	if !exp.IsZero() {
		meta[s3MetaExpires] = strconv.FormatInt(exp.UnixMilli(), 10)
	}
	return meta, nil
}

func decodeS3Metadata(meta map[string]string) (map[string]string, time.Time, error) {
	var exp time.Time
	if v, ok := meta[s3MetaExpires]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, exp, fmt.Errorf("invalid expiry metadata %q", v)
		}
		exp = time.UnixMilli(ms)
	}

	enc, ok := meta[s3MetaTags]
	if !ok {
		// Not written by this store.
		return map[string]string{}, exp, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, exp, fmt.Errorf("invalid tag metadata: %w", err)
	}
	var tags map[string]string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, exp, fmt.Errorf("invalid tag metadata: %w", err)
	}
	return tags, exp, nil
}
