package fileprovider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sjawhar/ghost-recorder/internal/recorder"
)

// Backup receives a copy of every transferred recording.
type Backup interface {
	Upload(ctx context.Context, localPath, name string) error
	Remove(ctx context.Context, name string) error
}

// Provider records into a scratch directory and moves finished files into
// the audio library.
type Provider struct {
	tempDir  string
	audioDir string
	now      func() time.Time
	backup   Backup

	uploads sync.WaitGroup
}

type Option func(*Provider)

func WithBackup(b Backup) Option {
	return func(p *Provider) {
		p.backup = b
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

func New(tempDir, audioDir string, opts ...Option) (*Provider, error) {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "ghost-recorder")
	}
	if audioDir == "" {
		audioDir = filepath.Join("data", "audio")
	}
	for _, dir := range []string{tempDir, audioDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	p := &Provider{tempDir: tempDir, audioDir: audioDir, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) AudioDir() string {
	return p.audioDir
}

func (p *Provider) CreateFile(ctx context.Context) (*recorder.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &recorder.File{
		ID:        id,
		TempPath:  filepath.Join(p.tempDir, id),
		CreatedAt: p.now(),
	}, nil
}

// Transfer moves the encoded file into the library as
// <timestamp>_<id prefix>.<ext> and starts a backup upload when one is
// configured. Backup failures are logged, never returned.
func (p *Provider) Transfer(ctx context.Context, f *recorder.File, format recorder.Format) (recorder.StoredFile, error) {
	if err := ctx.Err(); err != nil {
		return recorder.StoredFile{}, err
	}

	name := storedName(f, format)
	dest := filepath.Join(p.audioDir, name)
	if err := move(f.TempPath, dest); err != nil {
		return recorder.StoredFile{}, fmt.Errorf("move %s: %w", f.TempPath, err)
	}
	f.StoredPath = dest

	info, err := os.Stat(dest)
	if err != nil {
		return recorder.StoredFile{}, fmt.Errorf("stat %s: %w", dest, err)
	}

	if p.backup != nil {
		p.uploads.Add(1)
		go func() {
			defer p.uploads.Done()
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := p.backup.Upload(uctx, dest, name); err != nil {
				slog.Warn("backup upload failed", "file", name, "error", err)
				return
			}
			slog.Info("backup uploaded", "file", name)
		}()
	}

	return recorder.StoredFile{URI: fileURI(dest), Name: name, Size: info.Size()}, nil
}

// Delete removes every on-disk trace of f. Missing files are ignored.
func (p *Provider) Delete(f *recorder.File) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, path := range []string{f.TempPath, f.TempPath + ".pcm", f.StoredPath} {
		if path == "" || path == ".pcm" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resolve maps a stored file URI back to a path inside the library.
func (p *Provider) Resolve(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("not a file uri: %q", uri)
	}

	path := filepath.Clean(filepath.FromSlash(u.Path))
	root, err := filepath.Abs(p.audioDir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q is outside the audio library", uri)
	}
	return path, nil
}

// Remove deletes a stored recording and its backup copy.
func (p *Provider) Remove(ctx context.Context, uri string) error {
	path, err := p.Resolve(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if p.backup != nil {
		if err := p.backup.Remove(ctx, filepath.Base(path)); err != nil {
			slog.Warn("backup remove failed", "file", filepath.Base(path), "error", err)
		}
	}
	return nil
}

// Wait blocks until pending backup uploads finish.
func (p *Provider) Wait() {
	p.uploads.Wait()
}

func storedName(f *recorder.File, format recorder.Format) string {
	id := f.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s_%s%s", f.CreatedAt.Format("20060102-150405"), id, format.Extension())
}

func fileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

// move renames src to dst, copying when a rename is not possible (for
// example across filesystems).
func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
