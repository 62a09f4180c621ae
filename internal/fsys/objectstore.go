package fsys

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig holds S3-compatible endpoint settings.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// ObjectStoreConfigFromLookup reads S3_* settings through lookup, which is
// normally an environment snapshot.
func ObjectStoreConfigFromLookup(lookup func(string) (string, bool)) (ObjectStoreConfig, error) {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	get := func(key, def string) string {
		if v, ok := lookup(key); ok {
			return v
		}
		return def
	}
	useSSL := false
	if raw, ok := lookup("S3_USE_SSL"); ok {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return ObjectStoreConfig{}, fmt.Errorf("parse S3_USE_SSL: %w", err)
		}
		useSSL = b
	}
	cfg := ObjectStoreConfig{
		Endpoint:  get("S3_ENDPOINT", "localhost:9000"),
		AccessKey: get("S3_ACCESS_KEY", ""),
		SecretKey: get("S3_SECRET_KEY", ""),
		Region:    get("S3_REGION", "us-east-1"),
		UseSSL:    useSSL,
	}
	if err := cfg.Validate(); err != nil {
		return ObjectStoreConfig{}, err
	}
	return cfg, nil
}

func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	return nil
}

// ObjectStore maps the FS interface onto one bucket. Directories are key
// prefixes and exist implicitly.
//
// CreateExclusive is stat-then-put: two clients racing on the same key may
// both succeed. Lock users on object stores accept that window.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

var _ FS = (*ObjectStore)(nil)

// NewObjectStore connects to cfg.Endpoint and ensures bucket exists.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig, bucket string) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists %q: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket %q: %w", bucket, err)
		}
	}
	return &ObjectStore{client: client, bucket: bucket}, nil
}

// NewObjectStoreWithClient wraps an existing client.
func NewObjectStoreWithClient(client *minio.Client, bucket string) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	return &ObjectStore{client: client, bucket: bucket}, nil
}

func (s *ObjectStore) Kind() Kind { return KindObject }

func (s *ObjectStore) Join(elem ...string) string {
	return strings.TrimPrefix(path.Join(elem...), "/")
}

func (s *ObjectStore) Stat(ctx context.Context, key string) (FileInfo, error) {
	key = cleanKey(key)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return FileInfo{
			Name:    path.Base(key),
			Path:    key,
			Size:    info.Size,
			ModTime: info.LastModified,
		}, nil
	}
	if !isNotFound(err) {
		return FileInfo{}, fmt.Errorf("stat %q: %w", key, err)
	}

	// No object under the exact key; treat a non-empty prefix as a directory.
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range s.client.ListObjects(lctx, s.bucket, minio.ListObjectsOptions{Prefix: key + "/", MaxKeys: 1}) {
		if obj.Err != nil {
			return FileInfo{}, fmt.Errorf("list %q: %w", key, obj.Err)
		}
		return FileInfo{Name: path.Base(key), Path: key, IsDir: true}, nil
	}
	return FileInfo{}, fmt.Errorf("stat %q: %w", key, ErrNotExist)
}

func (s *ObjectStore) ReadFile(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("read %q: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	return data, nil
}

func (s *ObjectStore) WriteFile(ctx context.Context, key string, data []byte) error {
	key = cleanKey(key)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType(key),
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (s *ObjectStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	key = cleanKey(key)
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("open %q: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("open %q: %w", key, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return obj, nil
}

func (s *ObjectStore) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	return &objectWriter{ctx: ctx, store: s, key: key}, nil
}

func (s *ObjectStore) CreateExclusive(ctx context.Context, key string, data []byte) error {
	exists, err := Exists(ctx, s, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("create %q: %w", key, ErrExist)
	}
	return s.WriteFile(ctx, key, data)
}

func (s *ObjectStore) Remove(ctx context.Context, key string) error {
	key = cleanKey(key)
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("remove %q: %w", key, ErrNotExist)
		}
		return fmt.Errorf("remove %q: %w", key, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

func (s *ObjectStore) RemoveAll(ctx context.Context, key string) error {
	key = cleanKey(key)
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: key + "/", Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list %q: %w", key, obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %q: %w", obj.Key, err)
		}
	}
	return nil
}

func (s *ObjectStore) MkdirAll(ctx context.Context, key string) error { return ctx.Err() }

func (s *ObjectStore) List(ctx context.Context, dir string) ([]FileInfo, error) {
	prefix := cleanKey(dir)
	if prefix != "" {
		prefix += "/"
	}
	var out []FileInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %q: %w", dir, obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		isDir := strings.HasSuffix(name, "/")
		name = strings.TrimSuffix(name, "/")
		if name == "" {
			continue
		}
		out = append(out, FileInfo{
			Name:    name,
			Path:    strings.TrimSuffix(obj.Key, "/"),
			Size:    obj.Size,
			ModTime: obj.LastModified,
			IsDir:   isDir,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("list %q: %w", dir, ErrNotExist)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type objectWriter struct {
	ctx    context.Context
	store  *ObjectStore
	key    string
	buf    bytes.Buffer
	closed bool
}

func (w *objectWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write on closed object writer")
	}
	return w.buf.Write(p)
}

func (w *objectWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.store.WriteFile(w.ctx, w.key, w.buf.Bytes())
}

func cleanKey(key string) string {
	return strings.Trim(path.Clean("/"+key), "/")
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound" || code == "NoSuchBucket"
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".yaml", ".yml":
		return "application/yaml"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
