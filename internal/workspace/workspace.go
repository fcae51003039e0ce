// Package workspace is the storage access layer for the shared file tree.
// The filesystem under the root is the only source of truth: every listing
// is recomputed from disk.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fruitsalade/workbench/internal/errs"
	"github.com/fruitsalade/workbench/internal/events"
	"github.com/fruitsalade/workbench/internal/logging"
	"github.com/fruitsalade/workbench/internal/metrics"
	"github.com/fruitsalade/workbench/internal/storage"
	"github.com/fruitsalade/workbench/internal/storage/local"
	"github.com/fruitsalade/workbench/pkg/protocol"
)

const lockStripes = 64

// Workspace reads and mutates files under a single root directory.
type Workspace struct {
	root    string // absolute, symlinks resolved
	pub     events.Publisher
	mirror  storage.Backend
	stripes [lockStripes]sync.Mutex
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithMirror replicates every write and delete to b. Replication is best
// effort: failures are logged and never fail the operation.
func WithMirror(b storage.Backend) Option {
	return func(w *Workspace) { w.mirror = b }
}

// New opens (creating if needed) the root directory.
func New(root string, pub events.Publisher, opts ...Option) (*Workspace, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if pub == nil {
		pub = discard{}
	}
	w := &Workspace{root: abs, pub: pub}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Root returns the absolute root directory.
func (w *Workspace) Root() string {
	return w.root
}

// ListTree walks the root and returns one entry per regular file, in
// lexical path order. Unreadable directories are logged and skipped.
func (w *Workspace) ListTree(ctx context.Context) []protocol.FileEntry {
	start := time.Now()
	entries := []protocol.FileEntry{}

	filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			logging.Warn("tree walk error", zap.String("path", p), zap.Error(err))
			if d != nil && d.IsDir() && p != w.root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() || local.IsTempName(d.Name()) {
			return nil
		}

		rel, relErr := filepath.Rel(w.root, p)
		if relErr != nil {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			logging.Warn("stat failed", zap.String("path", p), zap.Error(infoErr))
			return nil
		}
		entries = append(entries, entryFor(p, filepath.ToSlash(rel), info))
		return nil
	})

	metrics.RecordTreeList(len(entries), time.Since(start))
	return entries
}

// ReadFile returns the entry for one file.
func (w *Workspace) ReadFile(ctx context.Context, relPath string) (protocol.FileEntry, error) {
	rel, abs, err := w.resolve(relPath)
	if err != nil {
		return protocol.FileEntry{}, err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		metrics.RecordFileOp("read", false)
		if errors.Is(err, fs.ErrNotExist) {
			return protocol.FileEntry{}, errs.E(errs.NotFound, "File not found", err)
		}
		return protocol.FileEntry{}, errs.E(errs.IOFailure, "failed to read file", err)
	}
	if !info.Mode().IsRegular() {
		metrics.RecordFileOp("read", false)
		return protocol.FileEntry{}, errs.E(errs.BadRequest, "not a regular file", nil)
	}
	metrics.RecordFileOp("read", true)
	return entryFor(abs, rel, info), nil
}

// SaveFile creates or overwrites a file with content and emits
// file_updated. Missing parent directories are created.
func (w *Workspace) SaveFile(ctx context.Context, relPath, content string) error {
	rel, abs, err := w.resolve(relPath)
	if err != nil {
		return err
	}

	mu := w.lock(rel)
	mu.Lock()
	n, err := w.write(abs, strings.NewReader(content))
	if err == nil {
		w.replicate(ctx, rel, []byte(content))
	}
	mu.Unlock()

	metrics.RecordFileOp("save", err == nil)
	if err != nil {
		return err
	}
	metrics.RecordBytesWritten(n)

	logging.Info("file saved", logging.Path(rel), logging.Int64("size", n))
	w.pub.Publish(events.FileUpdated(rel, content))
	return nil
}

// DeleteFile removes a regular file and emits file_deleted.
func (w *Workspace) DeleteFile(ctx context.Context, relPath string) error {
	rel, abs, err := w.resolve(relPath)
	if err != nil {
		return err
	}

	mu := w.lock(rel)
	mu.Lock()
	err = w.remove(abs)
	if err == nil && w.mirror != nil {
		mErr := w.mirror.DeleteObject(ctx, rel)
		metrics.RecordMirrorOp(w.mirror.Type(), "delete", mErr == nil)
		if mErr != nil {
			logging.Warn("mirror delete failed", logging.Path(rel), zap.Error(mErr))
		}
	}
	mu.Unlock()

	metrics.RecordFileOp("delete", err == nil)
	if err != nil {
		return err
	}

	logging.Info("file deleted", logging.Path(rel))
	w.pub.Publish(events.FileDeleted(rel))
	return nil
}

// WriteStream persists r at relPath and returns the resulting entry. It
// emits no event; callers that batch writes publish their own.
func (w *Workspace) WriteStream(ctx context.Context, relPath string, r io.Reader) (protocol.FileEntry, error) {
	rel, abs, err := w.resolve(relPath)
	if err != nil {
		return protocol.FileEntry{}, err
	}

	mu := w.lock(rel)
	mu.Lock()
	defer mu.Unlock()

	n, err := w.write(abs, r)
	metrics.RecordFileOp("write", err == nil)
	if err != nil {
		return protocol.FileEntry{}, err
	}
	metrics.RecordBytesWritten(n)

	info, err := os.Stat(abs)
	if err != nil {
		return protocol.FileEntry{}, errs.E(errs.IOFailure, "failed to stat written file", err)
	}
	entry := entryFor(abs, rel, info)

	if w.mirror != nil {
		if data, readErr := os.ReadFile(abs); readErr == nil {
			w.replicate(ctx, rel, data)
		}
	}
	return entry, nil
}

// resolve validates an untrusted path and maps it under the root.
func (w *Workspace) resolve(relPath string) (string, string, error) {
	rel, err := storage.ValidateRelPath(relPath)
	if err != nil {
		return "", "", pathError(relPath, err)
	}
	// Listings and the watcher hide in-flight temp files, so a client file
	// with such a name would never show up.
	if local.IsTempName(path.Base(rel)) {
		return "", "", errs.E(errs.BadRequest, "reserved file name", nil)
	}
	abs, err := storage.JoinWithinRoot(w.root, rel)
	if err != nil {
		return "", "", pathError(relPath, err)
	}
	if err := w.checkNoEscape(abs); err != nil {
		return "", "", err
	}
	return rel, abs, nil
}

// checkNoEscape resolves symlinks on the deepest existing ancestor of abs
// and rejects the path if that lands outside the root.
func (w *Workspace) checkNoEscape(abs string) error {
	dir := filepath.Dir(abs)
	for {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
	if dir != w.root && strings.HasPrefix(w.root, dir+string(filepath.Separator)) {
		// The root itself is gone; the write will recreate it.
		return nil
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return errs.E(errs.IOFailure, "failed to resolve path", err)
	}
	if resolved != w.root && !strings.HasPrefix(resolved, w.root+string(filepath.Separator)) {
		return errs.E(errs.BadRequest, "path escapes root", storage.ErrOutsideRoot)
	}
	return nil
}

func (w *Workspace) write(abs string, r io.Reader) (int64, error) {
	if info, err := os.Lstat(abs); err == nil && info.IsDir() {
		return 0, errs.E(errs.BadRequest, "path is a directory", nil)
	}
	n, err := local.WriteFileAtomic(abs, r)
	if err != nil {
		return 0, errs.E(errs.IOFailure, "failed to write file", err)
	}
	return n, nil
}

func (w *Workspace) remove(abs string) error {
	info, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errs.E(errs.NotFound, "File not found", err)
		}
		return errs.E(errs.IOFailure, "failed to stat file", err)
	}
	if info.IsDir() {
		return errs.E(errs.BadRequest, "not a regular file", nil)
	}
	if err := os.Remove(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errs.E(errs.NotFound, "File not found", err)
		}
		return errs.E(errs.IOFailure, "failed to delete file", err)
	}
	return nil
}

func (w *Workspace) replicate(ctx context.Context, rel string, data []byte) {
	if w.mirror == nil {
		return
	}
	err := w.mirror.PutObject(ctx, rel, bytes.NewReader(data), int64(len(data)))
	metrics.RecordMirrorOp(w.mirror.Type(), "put", err == nil)
	if err != nil {
		logging.Warn("mirror put failed", logging.Path(rel), zap.Error(err))
	}
}

func (w *Workspace) lock(rel string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(rel))
	return &w.stripes[h.Sum32()%lockStripes]
}

func pathError(p string, err error) error {
	switch {
	case errors.Is(err, storage.ErrEmptyPath):
		return errs.E(errs.BadRequest, "No file path provided", err)
	case errors.Is(err, storage.ErrOutsideRoot):
		return errs.E(errs.BadRequest, "path escapes root", err)
	default:
		return errs.E(errs.BadRequest, "invalid path", fmt.Errorf("%q: %w", p, err))
	}
}

// entryFor builds a FileEntry, reading the file to decide whether it is
// text. Read failures yield empty content rather than an error.
func entryFor(abs, rel string, info fs.FileInfo) protocol.FileEntry {
	entry := protocol.FileEntry{
		Name:         path.Base(rel),
		Path:         rel,
		Type:         protocol.EntryTypeFile,
		Size:         info.Size(),
		LastModified: info.ModTime().UnixMilli(),
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		logging.Debug("content read failed", logging.Path(rel), zap.Error(err))
		return entry
	}
	if utf8.Valid(data) {
		entry.Content = string(data)
	}
	return entry
}

type discard struct{}

func (discard) Publish(events.Event) {}
