// Package s3fs exposes a bucket prefix as a document tree. Directories are
// zero-byte marker objects whose key ends in a slash.
package s3fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/wolfeidau/appvault/docfs"
	"github.com/wolfeidau/appvault/telemetry"
)

// DirectoryContentType marks directory marker objects.
const DirectoryContentType = "application/x-directory"

// Config holds the connection settings of an S3 compatible endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// Transport is the base transport; http.DefaultTransport if nil.
	Transport http.RoundTripper
}

// NewClient creates a minio client whose requests are recorded as remote
// storage metrics.
func NewClient(cfg Config) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: telemetry.NewS3Transport(cfg.Transport),
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	return client, nil
}

// FS is a document tree rooted at a bucket prefix.
type FS struct {
	client *minio.Client
	bucket string
	prefix string
}

// New creates a tree over bucket below prefix.
func New(client *minio.Client, bucket, prefix string) *FS {
	return &FS{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Check verifies that the bucket exists.
func (f *FS) Check(ctx context.Context) error {
	exists, err := f.client.BucketExists(ctx, f.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", f.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s: %w", f.bucket, docfs.ErrNotExist)
	}
	return nil
}

// Root returns the directory at the prefix.
func (f *FS) Root() docfs.Document {
	return &Document{fs: f, key: f.prefix, dir: true}
}

// Document is an object or directory marker in the bucket.
type Document struct {
	fs  *FS
	key string // object key without trailing slash
	dir bool
}

func (d *Document) Name() string {
	if d.key == "" {
		return d.fs.bucket
	}
	return path.Base(d.key)
}

func (d *Document) IsDir() bool { return d.dir }

// Key returns the object key of the document. Directory keys end in a slash.
func (d *Document) Key() string {
	if d.dir {
		return dirKey(d.key)
	}
	return d.key
}

func dirKey(key string) string {
	if key == "" {
		return ""
	}
	return key + "/"
}

func (d *Document) childKey(name string) string {
	if d.key == "" {
		return name
	}
	return d.key + "/" + name
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("invalid document name %q", name)
	}
	return nil
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (d *Document) FindChild(ctx context.Context, name string) (docfs.Document, error) {
	if !d.dir {
		return nil, docfs.ErrNotDirectory
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	key := d.childKey(name)
	found, dir, err := d.fs.stat(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", key, docfs.ErrNotExist)
	}
	return &Document{fs: d.fs, key: key, dir: dir}, nil
}

// stat looks key up as a file, then as a directory marker, then as an
// implicit directory with objects below it.
func (f *FS) stat(ctx context.Context, key string) (found, dir bool, err error) {
	info, err := f.client.StatObject(ctx, f.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, info.ContentType == DirectoryContentType, nil
	}
	if !isNotFound(err) {
		return false, false, fmt.Errorf("stat %s: %w", key, err)
	}

	if _, err := f.client.StatObject(ctx, f.bucket, dirKey(key), minio.StatObjectOptions{}); err == nil {
		return true, true, nil
	} else if !isNotFound(err) {
		return false, false, fmt.Errorf("stat %s: %w", dirKey(key), err)
	}

	// Stops the listing goroutine when returning early.
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range f.client.ListObjects(listCtx, f.bucket, minio.ListObjectsOptions{Prefix: dirKey(key), MaxKeys: 1}) {
		if obj.Err != nil {
			return false, false, fmt.Errorf("listing %s: %w", dirKey(key), obj.Err)
		}
		return true, true, nil
	}
	return false, false, nil
}

func (d *Document) CreateFile(ctx context.Context, name, mimeType string) (docfs.Document, error) {
	return d.create(ctx, name, false, mimeType)
}

func (d *Document) CreateDirectory(ctx context.Context, name string) (docfs.Document, error) {
	return d.create(ctx, name, true, DirectoryContentType)
}

func (d *Document) create(ctx context.Context, name string, dir bool, contentType string) (docfs.Document, error) {
	if !d.dir {
		return nil, docfs.ErrNotDirectory
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	key := d.childKey(name)
	found, _, err := d.fs.stat(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, fmt.Errorf("%s: %w", key, docfs.ErrExist)
	}

	child := &Document{fs: d.fs, key: key, dir: dir}
	_, err = d.fs.client.PutObject(ctx, d.fs.bucket, child.Key(), bytes.NewReader(nil), 0, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", child.Key(), err)
	}
	return child, nil
}

func (d *Document) Delete(ctx context.Context) error {
	if d.key == d.fs.prefix {
		return fmt.Errorf("cannot delete root %s", d.Name())
	}
	if !d.dir {
		if _, err := d.fs.client.StatObject(ctx, d.fs.bucket, d.key, minio.StatObjectOptions{}); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%s: %w", d.key, docfs.ErrNotExist)
			}
			return fmt.Errorf("stat %s: %w", d.key, err)
		}
		if err := d.fs.client.RemoveObject(ctx, d.fs.bucket, d.key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("deleting %s: %w", d.key, err)
		}
		return nil
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var errs []error
	for obj := range d.fs.client.ListObjects(listCtx, d.fs.bucket, minio.ListObjectsOptions{Prefix: d.Key(), Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("listing %s: %w", d.Key(), obj.Err)
		}
		if err := d.fs.client.RemoveObject(ctx, d.fs.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("deleting %s: %w", obj.Key, err))
		}
	}
	return errors.Join(errs...)
}

// ListChildren lists direct children. Object listings are always complete.
func (d *Document) ListChildren(ctx context.Context) (*docfs.Listing, error) {
	if !d.dir {
		return nil, docfs.ErrNotDirectory
	}
	prefix := d.Key()
	listing := &docfs.Listing{}
	for obj := range d.fs.client.ListObjects(ctx, d.fs.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, obj.Err)
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" {
			continue
		}
		dir := strings.HasSuffix(rel, "/")
		listing.Entries = append(listing.Entries, &Document{
			fs:  d.fs,
			key: d.childKey(strings.TrimSuffix(rel, "/")),
			dir: dir,
		})
	}
	return listing, nil
}

func (d *Document) OpenRead(ctx context.Context) (io.ReadCloser, error) {
	if d.dir {
		return nil, docfs.ErrIsDirectory
	}
	obj, err := d.fs.client.GetObject(ctx, d.fs.bucket, d.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", d.key, err)
	}
	// GetObject is lazy; surface a missing key now.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", d.key, docfs.ErrNotExist)
		}
		return nil, fmt.Errorf("opening %s: %w", d.key, err)
	}
	return obj, nil
}

// OpenWrite buffers the content and uploads it on Close.
func (d *Document) OpenWrite(ctx context.Context) (io.WriteCloser, error) {
	if d.dir {
		return nil, docfs.ErrIsDirectory
	}
	return &uploader{ctx: ctx, d: d}, nil
}

type uploader struct {
	ctx    context.Context
	d      *Document
	buf    bytes.Buffer
	closed bool
}

func (u *uploader) Write(p []byte) (int, error) {
	if u.closed {
		return 0, fmt.Errorf("write %s: closed", u.d.key)
	}
	return u.buf.Write(p)
}

func (u *uploader) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	_, err := u.d.fs.client.PutObject(u.ctx, u.d.fs.bucket, u.d.key, bytes.NewReader(u.buf.Bytes()), int64(u.buf.Len()),
		minio.PutObjectOptions{ContentType: docfs.MimeTypeBinary})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", u.d.key, err)
	}
	return nil
}

// Abort discards the buffered data without uploading.
func (u *uploader) Abort() error {
	u.closed = true
	u.buf.Reset()
	return nil
}

var (
	_ docfs.Document = (*Document)(nil)
	_ docfs.Aborter  = (*uploader)(nil)
)
