package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/singleflight"
)

// bucketRootID is the id of the bucket itself when no root prefix is set.
const bucketRootID = "/"

const defaultPresignTTL = time.Hour

// MinioCredentials represents the S3 login details for the MinIO backend.
type MinioCredentials struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// MinioClient is an interface for the S3 methods the store uses
type MinioClient interface {
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) ([]minio.ObjectInfo, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	GetObjectReader(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, int64, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// WrappedMinioClient wraps minio.Client to implement our interface
type WrappedMinioClient struct {
	client *minio.Client
}

func (c *WrappedMinioClient) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) ([]minio.ObjectInfo, error) {
	// Convert channel to slice
	var objects []minio.ObjectInfo
	for obj := range c.client.ListObjects(ctx, bucketName, opts) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func (c *WrappedMinioClient) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return c.client.StatObject(ctx, bucketName, objectName, opts)
}

func (c *WrappedMinioClient) GetObjectReader(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, int64, error) {
	obj, err := c.client.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return nil, 0, err
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, 0, err
	}
	return obj, info.Size, nil
}

func (c *WrappedMinioClient) PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error) {
	return c.client.PresignedGetObject(ctx, bucketName, objectName, expires, reqParams)
}

// shouldUseSSL determines if SSL should be used based on the endpoint.
// Returns false for localhost, 127.0.0.1, and docker service names.
func shouldUseSSL(endpoint string) bool {
	// Local development endpoints
	if endpoint == "localhost:9000" || endpoint == "127.0.0.1:9000" {
		return false
	}
	// Docker service names (minio:9000, minio1:9000, ...) without a domain
	if strings.HasPrefix(endpoint, "minio") && !strings.Contains(strings.Split(endpoint, ":")[0], ".") && strings.Contains(endpoint, ":9000") {
		return false
	}
	return true
}

// NewMinioClient connects to an S3-compatible endpoint. A nil secure picks
// TLS from the endpoint.
func NewMinioClient(creds MinioCredentials, secure *bool) (MinioClient, error) {
	useSSL := shouldUseSSL(creds.Endpoint)
	if secure != nil {
		useSSL = *secure
	}
	client, err := minio.New(creds.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, creds.SessionToken),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &WrappedMinioClient{client: client}, nil
}

// MinioStore exposes one bucket as an ObjectStore. Ids are object keys;
// folders are keys ending in "/", either explicit marker objects or implied
// by deeper keys.
type MinioStore struct {
	client     MinioClient
	bucket     string
	root       string
	presignTTL time.Duration

	// S3 has no name index, so every name lookup is a recursive scan of
	// the root. Concurrent scans share one request and finished scans are
	// kept in scanCache.
	scans     singleflight.Group
	scanCache *Cache
}

// NewMinioStore serves bucket, optionally confined to rootPrefix.
func NewMinioStore(client MinioClient, bucket, rootPrefix string) *MinioStore {
	root := strings.Trim(rootPrefix, "/")
	if root == "" {
		root = bucketRootID
	} else {
		root += "/"
	}
	return &MinioStore{
		client:     client,
		bucket:     bucket,
		root:       root,
		presignTTL: defaultPresignTTL,
	}
}

// WithScanCache keeps recursive root scans for the cache TTL, so resolving
// an N-segment path costs one scan instead of N.
func (s *MinioStore) WithScanCache(c *Cache) *MinioStore {
	s.scanCache = c
	return s
}

func (s *MinioStore) RootID(_ context.Context) (string, error) {
	return s.root, nil
}

func (s *MinioStore) GetByID(ctx context.Context, id string) (*Object, error) {
	if !s.inRoot(id) {
		return nil, fmt.Errorf("s3: %q: %w", id, ErrObjectNotFound)
	}

	if isFolderKey(id) {
		if id != s.root {
			children, err := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: listPrefix(id)})
			if err != nil {
				return nil, fmt.Errorf("s3: listing %q: %w", id, err)
			}
			if len(children) == 0 {
				return nil, fmt.Errorf("s3: %q: %w", id, ErrObjectNotFound)
			}
		}
		obj := s.folder(id)
		return &obj, nil
	}

	info, err := s.client.StatObject(ctx, s.bucket, id, minio.StatObjectOptions{})
	if err != nil {
		return nil, s.mapError(id, err)
	}

	obj := s.file(info)
	link, err := s.client.PresignedGetObject(ctx, s.bucket, id, s.presignTTL, nil)
	if err == nil {
		obj.ContentURL = link.String()
	}
	return &obj, nil
}

func (s *MinioStore) ListChildren(ctx context.Context, q ListQuery) ([]Object, error) {
	if q.Parent != "" {
		return s.listDirect(ctx, q)
	}
	return s.search(ctx, q)
}

// listDirect lists one folder level.
func (s *MinioStore) listDirect(ctx context.Context, q ListQuery) ([]Object, error) {
	if !s.inRoot(q.Parent) || !isFolderKey(q.Parent) {
		return nil, nil
	}
	prefix := listPrefix(q.Parent)
	infos, err := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: false})
	if err != nil {
		return nil, fmt.Errorf("s3: listing %q: %w", q.Parent, err)
	}

	var out []Object
	for _, info := range infos {
		if info.Key == prefix {
			continue // the folder's own marker object
		}
		var obj Object
		if isFolderKey(info.Key) {
			obj = s.folder(info.Key)
		} else {
			obj = s.file(info)
		}
		if q.matches(obj.Name) {
			out = append(out, obj)
		}
	}
	return out, nil
}

// search walks every key under the root and reports files and implied
// folders whose name matches, in key order.
func (s *MinioStore) search(ctx context.Context, q ListQuery) ([]Object, error) {
	infos, err := s.scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3: searching %q: %w", q.NameEquals+q.NameStartsWith, err)
	}

	seen := make(map[string]bool)
	var out []Object
	for _, info := range infos {
		rel := strings.TrimPrefix(info.Key, listPrefix(s.root))
		parts := strings.Split(rel, "/")
		folderKey := listPrefix(s.root)
		for i, part := range parts {
			if part == "" {
				continue
			}
			last := i == len(parts)-1
			if !last {
				folderKey += part + "/"
				if !seen[folderKey] && q.matches(part) {
					seen[folderKey] = true
					out = append(out, s.folder(folderKey))
				}
				continue
			}
			if q.matches(part) && !seen[info.Key] {
				seen[info.Key] = true
				out = append(out, s.file(info))
			}
		}
	}
	return out, nil
}

// scan lists every key under the root recursively.
func (s *MinioStore) scan(ctx context.Context) ([]minio.ObjectInfo, error) {
	key := "s3-scan:" + s.bucket + ":" + s.root
	if v, ok := s.scanCache.Get("scan", key); ok {
		return v.([]minio.ObjectInfo), nil
	}

	v, err, _ := s.scans.Do(key, func() (any, error) {
		infos, err := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: listPrefix(s.root), Recursive: true})
		if err != nil {
			return nil, err
		}
		s.scanCache.Set(key, infos)
		return infos, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]minio.ObjectInfo), nil
}

func (s *MinioStore) GetMedia(ctx context.Context, id string, rng *ByteRange) (io.ReadCloser, error) {
	if !s.inRoot(id) || isFolderKey(id) {
		return nil, fmt.Errorf("s3: %q: %w", id, ErrObjectNotFound)
	}

	opts := minio.GetObjectOptions{}
	if rng != nil {
		if err := opts.SetRange(rng.Start, rng.End); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
	}

	rc, _, err := s.client.GetObjectReader(ctx, s.bucket, id, opts)
	if err != nil {
		return nil, s.mapError(id, err)
	}
	return rc, nil
}

func (s *MinioStore) folder(key string) Object {
	obj := Object{
		ID:       key,
		Name:     baseName(key),
		MimeType: FolderMimeType,
	}
	if key != s.root {
		obj.Parents = []string{parentKey(key)}
	}
	return obj
}

func (s *MinioStore) file(info minio.ObjectInfo) Object {
	contentType := info.ContentType
	if contentType == "" {
		contentType = getContentTypeFromExt(info.Key)
	}
	return Object{
		ID:           info.Key,
		Name:         baseName(info.Key),
		MimeType:     contentType,
		Size:         info.Size,
		Parents:      []string{parentKey(info.Key)},
		ModifiedTime: info.LastModified,
	}
}

func (s *MinioStore) inRoot(id string) bool {
	if s.root == bucketRootID {
		return id != ""
	}
	return strings.HasPrefix(id, s.root)
}

func (s *MinioStore) mapError(id string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("s3: %q: %w", id, ErrObjectNotFound)
	}
	return fmt.Errorf("s3: %q: %w", id, err)
}

func isFolderKey(key string) bool {
	return strings.HasSuffix(key, "/")
}

// listPrefix converts a folder id into an S3 listing prefix.
func listPrefix(folderID string) string {
	if folderID == bucketRootID {
		return ""
	}
	return folderID
}

// parentKey returns the folder id containing key.
func parentKey(key string) string {
	trimmed := strings.TrimSuffix(key, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return bucketRootID
	}
	return trimmed[:idx+1]
}
