package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

const (
	dayLayout  = "2006-01-02"
	latestLink = "latest"
)

// DailyFile is an io.Writer appending to <dir>/<YYYY-MM-DD>.jsonl. It
// switches files when the day changes and keeps a "latest" symlink
// pointing at the current one.
type DailyFile struct {
	dir string
	now func() time.Time

	mu  sync.Mutex
	f   *os.File
	day string
}

// OpenDailyFile creates dir if needed and opens today's file.
func OpenDailyFile(dir string) (*DailyFile, error) {
	return openDailyFile(dir, time.Now)
}

func openDailyFile(dir string, now func() time.Time) (*DailyFile, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	d := &DailyFile{dir: dir, now: now}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.switchTo(now().Format(dayLayout)); err != nil {
		return nil, err
	}
	return d, nil
}

// Write appends p to the current day's file.
func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if day := d.now().Format(dayLayout); day != d.day || d.f == nil {
		if err := d.switchTo(day); err != nil {
			return 0, err
		}
	}
	return d.f.Write(p)
}

// Path returns the file currently written to.
func (d *DailyFile) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return filepath.Join(d.dir, d.day+".jsonl")
}

// Close closes the current file. A later Write reopens it.
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func (d *DailyFile) switchTo(day string) error {
	if d.f != nil {
		d.f.Close()
		d.f = nil
	}
	name := day + ".jsonl"
	f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	d.f = f
	d.day = day
	relink(d.dir, name)
	return nil
}

// relink points <dir>/latest at name via rename so readers never see a
// missing link. Failures are ignored.
func relink(dir, name string) {
	link := filepath.Join(dir, latestLink)
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(name, tmp); err != nil {
		return
	}
	_ = os.Rename(tmp, link)
}

var dayFile = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\.jsonl$`)

// Cleanup deletes day files in dir older than retentionDays and returns how
// many it removed.
func Cleanup(dir string, retentionDays int) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	removed := 0
	for _, e := range entries {
		m := dayFile.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		day, err := time.Parse(dayLayout, m[1])
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(dir, e.Name())) == nil {
			removed++
		}
	}
	return removed
}
