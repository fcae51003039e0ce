package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fruitsalade/workbench/pkg/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func result(i int, at time.Time) protocol.CommandResult {
	return protocol.CommandResult{
		ID:         fmt.Sprintf("cmd-%02d", i),
		Command:    fmt.Sprintf("echo %d", i),
		Stdout:     fmt.Sprintf("%d\n", i),
		DurationMs: int64(i),
		Timestamp:  at.UTC().Format(time.RFC3339Nano),
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := s.Record(ctx, result(i, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if got[0].ID != "cmd-02" || got[2].ID != "cmd-00" {
		t.Errorf("expected newest first, got %s..%s", got[0].ID, got[2].ID)
	}
	if got[0].Stdout != "2\n" || got[0].DurationMs != 2 || got[0].Error != nil {
		t.Errorf("unexpected row %+v", got[0])
	}
}

func TestRecordKeepsError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	res := result(1, time.Now())
	msg := "Command failed with code 2"
	res.Error = &msg
	res.ExitCode = 2
	if err := s.Record(ctx, res); err != nil {
		t.Fatal(err)
	}

	got, err := s.Recent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Error == nil || *got[0].Error != msg || got[0].ExitCode != 2 {
		t.Errorf("unexpected row %+v", got)
	}
}

func TestRecordDuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	res := result(1, time.Now())

	for i := 0; i < 2; i++ {
		if err := s.Record(ctx, res); err != nil {
			t.Fatalf("Record #%d: %v", i, err)
		}
	}
	got, _ := s.Recent(ctx, 0)
	if len(got) != 1 {
		t.Errorf("expected one row, got %d", len(got))
	}
}

func TestRecentLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Record(ctx, result(i, base.Add(time.Duration(i)*time.Millisecond)))
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "cmd-04" {
		t.Errorf("unexpected results %+v", got)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Errorf("second Migrate: %v", err)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &Store{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}
