package archive

import (
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap/zaptest"

	"github.com/fruitsalade/workbench/internal/config"
	"github.com/fruitsalade/workbench/internal/errs"
	"github.com/fruitsalade/workbench/internal/events"
	"github.com/fruitsalade/workbench/internal/logging"
	"github.com/fruitsalade/workbench/internal/workspace"
	"github.com/fruitsalade/workbench/pkg/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type member struct {
	name string
	body string
}

func buildZip(t *testing.T, members ...member) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.Create(m.name)
		if err != nil {
			t.Fatalf("create %s: %v", m.name, err)
		}
		if m.body != "" {
			w.Write([]byte(m.body))
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fixture struct {
	ws      *workspace.Workspace
	x       *Expander
	rec     *recorder
	tempDir string
}

func newFixture(t *testing.T, maxExtract int64) *fixture {
	t.Helper()
	t.Cleanup(logging.Replace(zaptest.NewLogger(t)))
	rec := &recorder{}
	ws, err := workspace.New(t.TempDir(), rec)
	if err != nil {
		t.Fatal(err)
	}
	tempDir := t.TempDir()
	x := New(ws, rec, Config{
		AllowedExtensions: config.DefaultAllowedExtensions,
		MaxExtractSize:    maxExtract,
		TempDir:           tempDir,
	})
	return &fixture{ws: ws, x: x, rec: rec, tempDir: tempDir}
}

func paths(entries []protocol.FileEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

func TestExpandZipMembers(t *testing.T) {
	f := newFixture(t, 0)
	data := buildZip(t,
		member{name: "a/"},
		member{name: "a/x.txt", body: "ex"},
		member{name: "b/y.txt", body: "why"},
	)

	batch, err := f.x.ExpandUpload(context.Background(), []Upload{
		{Filename: "bundle.zip", Body: bytes.NewReader(data)},
	})
	if err != nil {
		t.Fatalf("ExpandUpload: %v", err)
	}

	got := paths(batch)
	if len(got) != 2 || got[0] != "a/x.txt" || got[1] != "b/y.txt" {
		t.Fatalf("expected [a/x.txt b/y.txt], got %v", got)
	}
	if batch[0].Content != "ex" || batch[1].Content != "why" {
		t.Errorf("unexpected contents %q %q", batch[0].Content, batch[1].Content)
	}
	for _, e := range f.ws.ListTree(context.Background()) {
		if strings.HasSuffix(e.Path, ".zip") {
			t.Errorf("archive itself was stored as %s", e.Path)
		}
	}

	if f.rec.count() != 1 {
		t.Fatalf("expected exactly one files_uploaded event, got %d", f.rec.count())
	}
	ev := f.rec.events[0]
	if ev.Type != protocol.EventFilesUploaded || len(ev.Data.(protocol.FilesUploadedPayload).Files) != 2 {
		t.Errorf("unexpected event %+v", ev)
	}

	left, _ := os.ReadDir(f.tempDir)
	if len(left) != 0 {
		t.Errorf("temp archive not removed: %d files left", len(left))
	}
}

func TestMixedBatchKeepsRequestOrder(t *testing.T) {
	f := newFixture(t, 0)
	data := buildZip(t, member{name: "z/2.md", body: "two"}, member{name: "a/3.md", body: "three"})

	batch, err := f.x.ExpandUpload(context.Background(), []Upload{
		{Filename: "first.txt", Body: strings.NewReader("one")},
		{Filename: "pack.ZIP", Body: bytes.NewReader(data)},
		{Filename: "last.json", Body: strings.NewReader("{}")},
	})
	if err != nil {
		t.Fatalf("ExpandUpload: %v", err)
	}

	want := []string{"first.txt", "z/2.md", "a/3.md", "last.json"}
	got := paths(batch)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if f.rec.count() != 1 {
		t.Errorf("expected one event per batch, got %d", f.rec.count())
	}
}

func TestPlainFilenameSanitized(t *testing.T) {
	f := newFixture(t, 0)
	batch, err := f.x.ExpandUpload(context.Background(), []Upload{
		{Filename: "../../etc/notes.txt", Body: strings.NewReader("hi")},
	})
	if err != nil {
		t.Fatalf("ExpandUpload: %v", err)
	}
	if batch[0].Path != "notes.txt" {
		t.Errorf("expected path separators stripped, got %s", batch[0].Path)
	}
}

func TestDisallowedExtension(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.x.ExpandUpload(context.Background(), []Upload{
		{Filename: "payload.exe", Body: strings.NewReader("MZ")},
	})
	if !errs.Is(err, errs.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
	if errs.Message(err) != "File type not allowed: payload.exe" {
		t.Errorf("unexpected message %q", errs.Message(err))
	}
	if f.rec.count() != 0 {
		t.Error("failed upload must not publish")
	}
}

func TestTraversalMemberRejected(t *testing.T) {
	f := newFixture(t, 0)
	data := buildZip(t, member{name: "../evil.txt", body: "pwned"})

	_, err := f.x.ExpandUpload(context.Background(), []Upload{
		{Filename: "evil.zip", Body: bytes.NewReader(data)},
	})
	if !errs.Is(err, errs.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
	outside := filepath.Join(filepath.Dir(f.ws.Root()), "evil.txt")
	if _, statErr := os.Stat(outside); !os.IsNotExist(statErr) {
		t.Error("archive member escaped the root")
	}
	if f.rec.count() != 0 {
		t.Error("failed upload must not publish")
	}
}

func TestExtractionLimit(t *testing.T) {
	f := newFixture(t, 8)
	data := buildZip(t, member{name: "big.txt", body: strings.Repeat("a", 64)})

	_, err := f.x.ExpandUpload(context.Background(), []Upload{
		{Filename: "big.zip", Body: bytes.NewReader(data)},
	})
	if !errs.Is(err, errs.TooLarge) {
		t.Fatalf("expected TooLarge, got %v", err)
	}
}

// buildLyingZip stores body under a header that declares only declared
// bytes.
func buildLyingZip(t *testing.T, name, body string, declared uint64) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               name,
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE([]byte(body)),
		CompressedSize64:   uint64(len(body)),
		UncompressedSize64: declared,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUnderDeclaredMemberNotWritten(t *testing.T) {
	f := newFixture(t, 32)
	data := buildLyingZip(t, "liar.txt", strings.Repeat("a", 64), 4)

	_, err := f.x.ExpandUpload(context.Background(), []Upload{
		{Filename: "liar.zip", Body: bytes.NewReader(data)},
	})
	if !errs.Is(err, errs.TooLarge) && !errs.Is(err, errs.BadRequest) {
		t.Fatalf("expected TooLarge or BadRequest, got %v", err)
	}
	if entries := f.ws.ListTree(context.Background()); len(entries) != 0 {
		t.Errorf("oversized member left in tree: %v", paths(entries))
	}
	leftovers, _ := os.ReadDir(f.ws.Root())
	if len(leftovers) != 0 {
		t.Errorf("expected empty root, found %d entries", len(leftovers))
	}
	if f.rec.count() != 0 {
		t.Error("failed upload must not publish")
	}
}

func TestCapReader(t *testing.T) {
	body := strings.Repeat("x", 10)

	got, err := io.ReadAll(&capReader{r: strings.NewReader(body), remaining: 10})
	if err != nil || string(got) != body {
		t.Fatalf("at the limit: got %q, %v", got, err)
	}

	_, err = io.ReadAll(&capReader{r: strings.NewReader(body), remaining: 9})
	if !errors.Is(err, errExtractLimit) {
		t.Fatalf("over the limit: expected errExtractLimit, got %v", err)
	}
}

func TestInvalidZip(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.x.ExpandUpload(context.Background(), []Upload{
		{Filename: "broken.zip", Body: strings.NewReader("not a zip")},
	})
	if !errs.Is(err, errs.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestBinaryMemberHasEmptyContent(t *testing.T) {
	f := newFixture(t, 0)
	data := buildZip(t, member{name: "img/logo.png", body: "\x89PNG\r\n\x1a\n\xff\xfe"})

	batch, err := f.x.ExpandUpload(context.Background(), []Upload{
		{Filename: "assets.zip", Body: bytes.NewReader(data)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if batch[0].Content != "" || batch[0].Size != 10 {
		t.Errorf("expected empty content with size 10, got %+v", batch[0])
	}
}
