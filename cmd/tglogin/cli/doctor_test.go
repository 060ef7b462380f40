package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/majorcontext/tglogin/internal/audit"
	"github.com/majorcontext/tglogin/internal/doctor"
	"github.com/majorcontext/tglogin/internal/engine"
	"github.com/majorcontext/tglogin/internal/engine/enginetest"
	"github.com/majorcontext/tglogin/internal/resolver"
)

func levels(checks []doctor.Check) []doctor.Level {
	out := make([]doctor.Level, len(checks))
	for i, c := range checks {
		out[i] = c.Level
	}
	return out
}

func TestHasImage(t *testing.T) {
	images := []engine.ImageInfo{
		{ID: "sha256:abc", Tags: []string{"tglogin-helper:latest", "registry.local:5000/helper:v2"}},
	}
	tests := []struct {
		ref  string
		want bool
	}{
		{"tglogin-helper:latest", true},
		{"tglogin-helper", true},
		{"registry.local:5000/helper:v2", true},
		{"registry.local:5000/helper", false},
		{"sha256:abc", true},
		{"other", false},
	}
	for _, tt := range tests {
		if got := hasImage(images, tt.ref); got != tt.want {
			t.Errorf("hasImage(%q) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestEngineSection(t *testing.T) {
	fake := enginetest.New()
	fake.AddImage("tglogin-helper:latest")

	checks := engineSection{gw: fake, image: "tglogin-helper:latest"}.Run(context.Background())
	if len(checks) != 2 || checks[0].Level != doctor.OK || checks[1].Level != doctor.OK {
		t.Errorf("checks = %+v", checks)
	}

	checks = engineSection{gw: fake, image: "missing:1"}.Run(context.Background())
	if checks[1].Level != doctor.Warn {
		t.Errorf("missing image level = %v, want warn", checks[1].Level)
	}

	checks = engineSection{gw: fake, connErr: errors.New("no socket")}.Run(context.Background())
	if len(checks) != 1 || checks[0].Level != doctor.Fail {
		t.Errorf("unreachable engine checks = %+v", checks)
	}
}

func TestWorkerSection(t *testing.T) {
	fake := enginetest.New()
	fake.Add("worker-a", "img", engine.Running)
	fake.Add("worker-b", "img", engine.Restarting)
	res := resolver.New(fake, resolver.WithPolling(time.Millisecond, 10*time.Millisecond))

	checks := workerSection{res: res, names: []string{"worker-a", "worker-b", "worker-c"}}.Run(context.Background())
	want := []doctor.Level{doctor.OK, doctor.Warn, doctor.Warn}
	got := levels(checks)
	if len(got) != len(want) {
		t.Fatalf("checks = %+v", checks)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("check %d (%s) level = %v, want %v", i, checks[i].Name, got[i], want[i])
		}
	}

	checks = workerSection{res: res}.Run(context.Background())
	if len(checks) != 1 || checks[0].Level != doctor.Warn {
		t.Errorf("no workers checks = %+v", checks)
	}
}

func TestLeftoverSection(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := enginetest.New()
	fake.Now = func() time.Time { return now }
	fake.Add("tglogin-fresh", "img", engine.Running)
	old := fake.Add("tglogin-old", "img", engine.Running)
	fake.SetCreated(old.ID, now.Add(-2*time.Hour))
	fake.Add("unrelated", "img", engine.Running)

	s := leftoverSection{gw: fake, prefix: "tglogin-", ttl: 30 * time.Minute, now: func() time.Time { return now }}
	checks := s.Run(context.Background())
	if len(checks) != 1 || checks[0].Level != doctor.Warn {
		t.Fatalf("checks = %+v", checks)
	}
	if want := "2 present, 1 older than 30m0s; run 'tglogin sweep'"; checks[0].Detail != want {
		t.Errorf("detail = %q, want %q", checks[0].Detail, want)
	}

	fake.Delete(old.ID)
	if checks := s.Run(context.Background()); checks[0].Level != doctor.OK {
		t.Errorf("checks without stale containers = %+v", checks)
	}
}

func TestJournalSection(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	if checks := (journalSection{enabled: false, path: path}).Run(ctx); checks[0].Level != doctor.Warn {
		t.Errorf("disabled journal checks = %+v", checks)
	}
	// Not created yet: only the directory has to be writable.
	if checks := (journalSection{enabled: true, path: path}).Run(ctx); checks[0].Level != doctor.OK {
		t.Errorf("missing journal checks = %+v", checks)
	}

	j, err := audit.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Record(ctx, audit.Event{Type: audit.CodeRequested, UserKey: "alice"}); err != nil {
		t.Fatal(err)
	}
	j.Close()

	checks := journalSection{enabled: true, path: path}.Run(ctx)
	if checks[0].Level != doctor.OK || checks[0].Detail != "1 entries intact" {
		t.Errorf("journal checks = %+v", checks)
	}
}

func TestDirCheck(t *testing.T) {
	dir := t.TempDir()
	if c := dirCheck("sessions", dir); c.Level != doctor.OK {
		t.Errorf("dirCheck(existing) = %+v", c)
	}
	if c := dirCheck("sessions", filepath.Join(dir, "nope")); c.Level != doctor.Fail {
		t.Errorf("dirCheck(missing) = %+v", c)
	}
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if c := dirCheck("sessions", file); c.Level != doctor.Fail {
		t.Errorf("dirCheck(file) = %+v", c)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dirCheck left files behind: %v", entries)
	}
}
