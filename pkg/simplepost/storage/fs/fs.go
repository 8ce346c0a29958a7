package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tendant/simple-post/pkg/simplepost"
)

const createAttempts = 5

// Backend is a filesystem implementation of the simplepost.BlobStore interface
type Backend struct {
	baseDir string
}

// Config options for the filesystem backend
type Config struct {
	BaseDir string // Base directory for storing files
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	if err := os.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	abs, err := filepath.Abs(config.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	return &Backend{baseDir: abs}, nil
}

// path maps key to a file below baseDir and rejects keys that escape it.
func (b *Backend) path(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty blob key")
	}
	p := filepath.Join(b.baseDir, filepath.FromSlash(key))
	if p != b.baseDir && !strings.HasPrefix(p, b.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("blob key %q escapes base directory", key)
	}
	return p, nil
}

// Put writes into a temp file in the target directory and renames it into
// place, so readers never observe a partial blob.
func (b *Backend) Put(ctx context.Context, key string, reader io.Reader, opts simplepost.PutOptions) error {
	filePath, err := b.path(key)
	if err != nil {
		return err
	}

	tmp, err := b.createTemp(filepath.Dir(filePath))
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: reader}); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		return fmt.Errorf("failed to publish file: %w", err)
	}
	committed = true
	return nil
}

// createTemp creates the upload file in dir. A concurrent Delete may prune
// dir or one of its parents while it is being created or before CreateTemp
// runs, so both steps are retried.
func (b *Backend) createTemp(dir string) (*os.File, error) {
	var err error
	for attempt := 0; attempt < createAttempts; attempt++ {
		if err = os.MkdirAll(dir, 0755); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		var tmp *os.File
		tmp, err = os.CreateTemp(dir, ".upload-*")
		if err == nil {
			return tmp, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	return nil, fmt.Errorf("failed to create temp file: %w", err)
}

// Get opens the file stored under key
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	filePath, err := b.path(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, simplepost.ErrBlobNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes the file and prunes directories left empty
func (b *Backend) Delete(ctx context.Context, key string) error {
	filePath, err := b.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); errors.Is(err, fs.ErrNotExist) {
		return simplepost.ErrBlobNotFound
	} else if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	for dir := filepath.Dir(filePath); dir != b.baseDir && strings.HasPrefix(dir, b.baseDir); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			// not empty or already gone
			break
		}
	}
	return nil
}

// Stat retrieves metadata for a blob. The content type is inferred from the
// file extension, falling back to sniffing the first bytes.
func (b *Backend) Stat(ctx context.Context, key string) (*simplepost.BlobInfo, error) {
	filePath, err := b.path(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, simplepost.ErrBlobNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(filePath))
	if contentType == "" {
		contentType = "application/octet-stream"
		if file, err := os.Open(filePath); err == nil {
			defer file.Close()
			buffer := make([]byte, 512)
			if n, err := file.Read(buffer); err == nil {
				contentType = http.DetectContentType(buffer[:n])
			}
		}
	}

	return &simplepost.BlobInfo{
		Key:         key,
		Size:        info.Size(),
		ContentType: contentType,
		UpdatedAt:   info.ModTime(),
	}, nil
}

// List walks baseDir and returns keys with the given prefix
func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(b.baseDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var (
	_ simplepost.BlobStore  = (*Backend)(nil)
	_ simplepost.BlobLister = (*Backend)(nil)
)
