// Package s3 adapts github.com/aws/aws-sdk-go-v2's S3 client into a third
// MutableStore tier (spec.md §4.6a, domain-stack wiring), descended from
// the teacher's internal/cache/s3.go: conditional PutObject for
// content-addressed writes, a JSON sidecar object alongside the payload,
// and a presigned-URL RedirectURL method. Unlike the memory/file tiers,
// this store has no serialized task queue of its own: every call runs on
// the caller's goroutine. Uploads are buffered through a BufferSink and
// sent as one PutObject body; reads stream the GetObject body in 64 KiB
// chunks, the same loop store/file's Store.Fetch runs.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/danielloader/webcache/cacheerr"
	"github.com/danielloader/webcache/policy"
	"github.com/danielloader/webcache/receiver"
	"github.com/danielloader/webcache/resource"
	"github.com/danielloader/webcache/urlhash"
)

// chunkSize is the streaming-read granularity, matching store/file.
const chunkSize = 64 * 1024

// sidecarSuffix names the JSON metadata object alongside each payload,
// the S3 translation of the teacher's "<key>.meta.json" convention.
const sidecarSuffix = ".WebCache.json"

// presignExpiry bounds how long a RedirectURL presigned GET stays valid.
const presignExpiry = 15 * time.Minute

// Store is an S3-backed MutableStore tier.
type Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	prefix        string
}

// New builds a Store against bucket, prefixing every key with prefix
// (empty for none). Credentials/region/endpoint come from the standard
// AWS SDK default credential chain, exactly as the teacher's
// NewS3Store does.
func New(ctx context.Context, bucket, prefix string, forcePathStyle bool) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
	})

	return &Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        bucket,
		prefix:        prefix,
	}, nil
}

func (s *Store) objectKey(url string) string {
	return s.prefix + urlhash.Hash(url)
}

func (s *Store) metaKey(url string) string {
	return s.objectKey(url) + sidecarSuffix
}

// readSidecarAtKey fetches and parses the sidecar object at the literal
// key metaKey, with no hashing or prefix derivation. It is the primitive
// both readSidecar (URL-addressed) and RemoveExpired (key-addressed, since
// a listed key's original URL can't be recovered from its hash) build on.
func (s *Store) readSidecarAtKey(ctx context.Context, metaKey string) (resource.StorageInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(metaKey),
	})
	if err != nil {
		return resource.StorageInfo{}, cacheerr.ErrAbsent
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return resource.StorageInfo{}, fmt.Errorf("reading sidecar object: %w", err)
	}
	info, err := unmarshalMeta(data)
	if err != nil {
		return resource.StorageInfo{}, fmt.Errorf("parsing sidecar object: %w", err)
	}
	return info, nil
}

// deleteKeys removes every key given, stopping at the first failure.
func (s *Store) deleteKeys(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("deleting object %s: %w", key, err)
		}
	}
	return nil
}

// readSidecar resolves url's sidecar, deleting the payload and sidecar
// objects and reporting ErrAbsent once their policy has expired, mirroring
// store/file's Adapter.readSidecar/deleteQuietly pairing.
func (s *Store) readSidecar(ctx context.Context, url string) (resource.StorageInfo, error) {
	info, err := s.readSidecarAtKey(ctx, s.metaKey(url))
	if err != nil {
		return resource.StorageInfo{}, err
	}
	if info.Policy.IsExpired() {
		if delErr := s.deleteKeys(ctx, s.objectKey(url), s.metaKey(url)); delErr != nil {
			slog.Debug("s3 deleting expired entry failed", "url", url, "error", delErr)
		}
		return resource.StorageInfo{}, cacheerr.ErrAbsent
	}
	return info, nil
}

// Fetch streams a cached object's body, per spec.md §4.3's streaming
// fetch shape, generalized to an S3 GetObject body instead of a local
// file.
func (s *Store) Fetch(url string, offset int64, length *int64, prog *receiver.Progress, rcv receiver.Receiver) {
	rcv.OnInited(nil, prog)
	ctx := context.Background()

	info, err := s.readSidecar(ctx, url)
	if err != nil {
		if errors.Is(err, cacheerr.ErrAbsent) {
			rcv.OnAborted(nil)
		} else {
			rcv.OnAborted(err)
		}
		return
	}

	total := int64(0)
	if info.TotalLength != nil {
		total = *info.TotalLength
	}
	segLen := total - offset
	if length != nil {
		segLen = *length
	}
	if segLen <= 0 || offset+segLen > total {
		rcv.OnAborted(cacheerr.ErrRangeInvalid)
		return
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(url)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+segLen-1)),
	})
	if err != nil {
		rcv.OnAborted(fmt.Errorf("getting object: %w", err))
		return
	}
	defer out.Body.Close()

	if prog.Total() < 0 {
		prog.SetTotal(segLen)
	}
	l := segLen
	rcv.OnStarted(info.Info, offset, &l)

	buf := make([]byte, chunkSize)
	var delivered int64
	for delivered < segLen {
		if prog.Cancelled() {
			rcv.OnAborted(nil)
			return
		}
		n, rerr := out.Body.Read(buf)
		if n > 0 {
			rcv.OnData(buf[:n])
			prog.AddCompleted(int64(n))
			delivered += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			rcv.OnAborted(rerr)
			return
		}
	}
	rcv.OnFinished()
}

// Peek returns metadata and the object's length, from its sidecar only
// (no HEAD on the payload is needed since total length is recorded
// alongside it).
func (s *Store) Peek(url string) (resource.Info, *int64, bool) {
	info, err := s.readSidecar(context.Background(), url)
	if err != nil || info.TotalLength == nil {
		return resource.Info{}, nil, false
	}
	l := *info.TotalLength
	return info.Info, &l, true
}

// StoreReceiver returns a buffer-sink Receiver (the S3 SDK needs a
// complete body up front for a conditional PutObject with IfNoneMatch)
// whose completion uploads to S3.
func (s *Store) StoreReceiver(url string, pol policy.Policy) receiver.Receiver {
	const sizeLimit = 512 << 20 // S3 tier tolerates larger buffered objects than memory's default
	return receiver.NewBufferSink(sizeLimit, false, func(sink *receiver.BufferSink) {
		if sink.Dropped || sink.Bytes == nil {
			return
		}
		info := resource.StorageInfo{Info: sink.Info, Policy: pol}
		if err := s.Store(url, info, sink.Bytes); err != nil {
			slog.Debug("s3 store upload failed", "url", url, "error", err)
		}
	})
}

// Store uploads a full body and its sidecar, using a conditional
// PutObject with IfNoneMatch so a raced duplicate write is treated as
// success (the teacher's rationale: blobs are content-addressed, so a
// conflicting write is necessarily identical content).
func (s *Store) Store(url string, info resource.StorageInfo, data []byte) error {
	ctx := context.Background()

	total := int64(len(data))
	info.TotalLength = &total

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(url)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(info.MIMEType),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil && !isConditionalPutConflict(err) {
		return fmt.Errorf("putting object: %w", err)
	}

	metaJSON, err := marshalMeta(info)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.metaKey(url)),
		Body:        bytes.NewReader(metaJSON),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting sidecar object: %w", err)
	}
	return nil
}

// Change mutates the sidecar's policy in place. An expired policy
// removes the entry instead.
func (s *Store) Change(url string, pol policy.Policy) error {
	ctx := context.Background()
	info, err := s.readSidecar(ctx, url)
	if err != nil {
		return nil
	}
	if pol.IsExpired() {
		return s.Remove(url)
	}
	info.Policy = pol
	metaJSON, err := marshalMeta(info)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.metaKey(url)),
		Body:        bytes.NewReader(metaJSON),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting sidecar object: %w", err)
	}
	return nil
}

// Remove deletes both the payload and sidecar objects.
func (s *Store) Remove(url string) error {
	return s.deleteKeys(context.Background(), s.objectKey(url), s.metaKey(url))
}

// RemoveAll deletes every object under this store's prefix. Paging
// mirrors the teacher's list-then-delete convention; unlike the file
// store's single os.RemoveAll, S3 has no recursive-delete primitive.
func (s *Store) RemoveAll() error {
	ctx := context.Background()
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing objects: %w", err)
		}
		for _, obj := range page.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return fmt.Errorf("deleting object %s: %w", aws.ToString(obj.Key), err)
			}
		}
	}
	return nil
}

// RemoveExpired lists every sidecar object and deletes both it and its
// payload object wherever the sidecar's policy has expired. It operates
// directly on listed keys rather than recovering a URL from objectKey's
// one-way hash (there is none to recover): readSidecarAtKey/deleteKeys
// take the literal metaKey/payload key instead.
func (s *Store) RemoveExpired() error {
	ctx := context.Background()
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing objects: %w", err)
		}
		for _, obj := range page.Contents {
			metaKey := aws.ToString(obj.Key)
			if !strings.HasSuffix(metaKey, sidecarSuffix) {
				continue
			}
			info, err := s.readSidecarAtKey(ctx, metaKey)
			if err != nil || !info.Policy.IsExpired() {
				continue
			}
			payloadKey := strings.TrimSuffix(metaKey, sidecarSuffix)
			if err := s.deleteKeys(ctx, payloadKey, metaKey); err != nil {
				return fmt.Errorf("deleting expired entry %s: %w", payloadKey, err)
			}
		}
	}
	return nil
}

// RedirectURL returns a presigned GET straight to S3 (mirroring the
// teacher's cache.Redirector), letting a caller skip streaming bytes
// through this process. Neither layeredcache nor the interceptor calls it.
func (s *Store) RedirectURL(url string) (string, resource.Info, error) {
	ctx := context.Background()
	info, err := s.readSidecar(ctx, url)
	if err != nil {
		return "", resource.Info{}, err
	}

	presigned, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(url)),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", resource.Info{}, fmt.Errorf("presigning GetObject: %w", err)
	}
	return presigned.URL, info.Info, nil
}

// isConditionalPutConflict reports whether err is the S3 "object already
// exists" conflict from an IfNoneMatch PutObject, per the teacher's
// isConditionalPutConflict.
func isConditionalPutConflict(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusPreconditionFailed ||
			re.HTTPStatusCode() == http.StatusConflict
	}
	return false
}
