// Package archive turns upload requests into workspace files, expanding
// zip archives member by member.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fruitsalade/workbench/internal/errs"
	"github.com/fruitsalade/workbench/internal/events"
	"github.com/fruitsalade/workbench/internal/logging"
	"github.com/fruitsalade/workbench/internal/metrics"
	"github.com/fruitsalade/workbench/internal/storage"
	"github.com/fruitsalade/workbench/pkg/protocol"
)

// ArchiveExt is the extension that triggers expansion.
const ArchiveExt = "zip"

// Upload is one file from an upload request.
type Upload struct {
	Filename string
	Body     io.Reader
}

// Writer persists a file into the tree. *workspace.Workspace satisfies it.
type Writer interface {
	WriteStream(ctx context.Context, relPath string, r io.Reader) (protocol.FileEntry, error)
}

// Config holds expander limits.
type Config struct {
	AllowedExtensions []string
	MaxExtractSize    int64  // total uncompressed bytes per archive
	TempDir           string // where archives are spooled; "" = os.TempDir()
}

// Expander writes uploads into the tree.
type Expander struct {
	w       Writer
	pub     events.Publisher
	allowed map[string]bool
	cfg     Config
}

// New creates an Expander.
func New(w Writer, pub events.Publisher, cfg Config) *Expander {
	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &Expander{w: w, pub: pub, allowed: allowed, cfg: cfg}
}

// ExpandUpload persists every upload in request order and returns the
// resulting entries. Archive members follow archive-listing order and the
// archive itself never appears. On success exactly one files_uploaded
// event is published for the whole batch; on failure none is, and files
// already written are left in place.
func (x *Expander) ExpandUpload(ctx context.Context, uploads []Upload) ([]protocol.FileEntry, error) {
	batch := []protocol.FileEntry{}
	for _, up := range uploads {
		var (
			entries []protocol.FileEntry
			err     error
		)
		if storage.Ext(up.Filename) == ArchiveExt {
			entries, err = x.expandArchive(ctx, up)
		} else {
			entries, err = x.savePlain(ctx, up)
		}
		if err != nil {
			metrics.RecordUpload(false)
			return nil, err
		}
		batch = append(batch, entries...)
	}

	metrics.RecordUpload(true)
	logging.Info("upload stored", zap.Int("files", len(batch)))
	x.pub.Publish(events.FilesUploaded(batch))
	return batch, nil
}

func (x *Expander) savePlain(ctx context.Context, up Upload) ([]protocol.FileEntry, error) {
	name := storage.SecureFilename(up.Filename)
	if name == "" {
		return nil, errs.E(errs.BadRequest, "Invalid filename", nil)
	}
	ext := storage.Ext(name)
	if !x.allowed[ext] {
		return nil, errs.E(errs.BadRequest, fmt.Sprintf("File type not allowed: %s", name), nil)
	}
	entry, err := x.w.WriteStream(ctx, name, up.Body)
	if err != nil {
		return nil, err
	}
	return []protocol.FileEntry{entry}, nil
}

func (x *Expander) expandArchive(ctx context.Context, up Upload) (entries []protocol.FileEntry, err error) {
	tmp, err := os.CreateTemp(x.cfg.TempDir, "workbench-upload-*.zip")
	if err != nil {
		return nil, errs.E(errs.IOFailure, "failed to spool archive", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logging.Warn("temp archive cleanup failed", zap.String("file", tmpName), zap.Error(rmErr))
		}
	}()

	size, copyErr := io.Copy(tmp, up.Body)
	if closeErr := tmp.Close(); copyErr != nil || closeErr != nil {
		return nil, errs.E(errs.IOFailure, "failed to spool archive", multierr.Append(copyErr, closeErr))
	}

	zr, err := zip.OpenReader(tmpName)
	if err != nil {
		return nil, errs.E(errs.BadRequest, fmt.Sprintf("Invalid zip archive: %s", storage.SecureFilename(up.Filename)), err)
	}
	defer func() {
		err = multierr.Append(err, zr.Close())
	}()

	var extracted int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		if _, vErr := storage.ValidateRelPath(f.Name); vErr != nil {
			return nil, errs.E(errs.BadRequest, fmt.Sprintf("Invalid archive member: %s", f.Name), vErr)
		}

		remaining := x.cfg.MaxExtractSize - extracted
		if x.cfg.MaxExtractSize > 0 && int64(f.UncompressedSize64) > remaining {
			return nil, errs.E(errs.TooLarge, "archive exceeds extraction limit", nil)
		}

		entry, n, mErr := x.extractMember(ctx, f, remaining)
		if mErr != nil {
			return nil, mErr
		}
		extracted += n
		entries = append(entries, entry)
	}

	metrics.RecordArchiveMembers(len(entries))
	logging.Debug("archive expanded",
		zap.String("archive", up.Filename),
		zap.Int64("archive_size", size),
		zap.Int("members", len(entries)),
	)
	return entries, nil
}

func (x *Expander) extractMember(ctx context.Context, f *zip.File, remaining int64) (protocol.FileEntry, int64, error) {
	rc, err := f.Open()
	if err != nil {
		return protocol.FileEntry{}, 0, errs.E(errs.BadRequest, fmt.Sprintf("Invalid archive member: %s", f.Name), err)
	}
	defer rc.Close()

	// The declared size can lie. Failing the read aborts the atomic write,
	// so an oversized member never lands in the tree.
	var r io.Reader = rc
	if x.cfg.MaxExtractSize > 0 {
		r = &capReader{r: rc, remaining: remaining}
	}

	entry, err := x.w.WriteStream(ctx, f.Name, r)
	switch {
	case errors.Is(err, errExtractLimit):
		return protocol.FileEntry{}, 0, errs.E(errs.TooLarge, "archive exceeds extraction limit", err)
	case errors.Is(err, zip.ErrFormat), errors.Is(err, zip.ErrChecksum):
		return protocol.FileEntry{}, 0, errs.E(errs.BadRequest, fmt.Sprintf("Invalid archive member: %s", f.Name), err)
	case err != nil:
		return protocol.FileEntry{}, 0, err
	}
	return entry, entry.Size, nil
}

var errExtractLimit = errors.New("extraction limit exceeded")

// capReader fails with errExtractLimit once more than remaining bytes have
// been read.
type capReader struct {
	r         io.Reader
	remaining int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.remaining < int64(len(p)) {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return 0, errExtractLimit
	}
	return n, err
}
