package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/tglogin/internal/audit"
	"github.com/majorcontext/tglogin/internal/config"
	"github.com/majorcontext/tglogin/internal/doctor"
	"github.com/majorcontext/tglogin/internal/engine"
	"github.com/majorcontext/tglogin/internal/resolver"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose the tglogin installation",
	Long: `Check configuration, the container engine, the worker containers,
leftover login containers and the login journal.

Exits non-zero when any check fails. Warnings do not affect the exit code.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	gw, connErr := connectEngine(ctx)
	defer gw.Close()

	reg := doctor.NewRegistry()
	reg.Register(configSection{cfg: cfg})
	reg.Register(engineSection{gw: gw, connErr: connErr, image: cfg.Login.Image})
	if connErr == nil {
		reg.Register(workerSection{
			res:   resolver.New(gw, resolver.WithPolling(cfg.Worker.PollInterval, cfg.Worker.PollBound)),
			names: cfg.Worker.Containers,
		})
		reg.Register(leftoverSection{gw: gw, prefix: cfg.Sessions.NamePrefix, ttl: cfg.Sessions.IdleTTL, now: time.Now})
	}
	reg.Register(journalSection{enabled: cfg.Audit.Enabled, path: cfg.Audit.Path})

	results := reg.Run(ctx)
	if jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(results); err != nil {
			return err
		}
	} else {
		doctor.Print(os.Stdout, results)
	}
	if n := doctor.Failures(results); n > 0 {
		return fmt.Errorf("%d check(s) failed", n)
	}
	return nil
}

type configSection struct {
	cfg *config.Config
}

func (s configSection) Name() string { return "Configuration" }

func (s configSection) Run(ctx context.Context) []doctor.Check {
	var checks []doctor.Check
	if _, _, err := s.cfg.Credentials(ctx); err != nil {
		checks = append(checks, doctor.Check{Level: doctor.Fail, Name: "telegram credentials", Detail: err.Error()})
	} else {
		checks = append(checks, doctor.Check{Name: "telegram credentials", Detail: "resolved"})
	}
	checks = append(checks, dirCheck("session dir", s.cfg.Login.SessionDir))
	if s.cfg.Debug.Dir != "" {
		checks = append(checks, dirCheck("debug log dir", s.cfg.Debug.Dir))
	}
	return checks
}

// dirCheck reports whether dir exists and is writable.
func dirCheck(name, dir string) doctor.Check {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return doctor.Check{Level: doctor.Fail, Name: name, Detail: dir + " does not exist"}
	case err != nil:
		return doctor.Check{Level: doctor.Fail, Name: name, Detail: err.Error()}
	case !info.IsDir():
		return doctor.Check{Level: doctor.Fail, Name: name, Detail: dir + " is not a directory"}
	}
	f, err := os.CreateTemp(dir, ".tglogin-doctor-")
	if err != nil {
		return doctor.Check{Level: doctor.Fail, Name: name, Detail: dir + " is not writable"}
	}
	f.Close()
	os.Remove(f.Name())
	return doctor.Check{Name: name, Detail: dir}
}

type engineSection struct {
	gw      engine.Gateway
	connErr error
	image   string
}

func (s engineSection) Name() string { return "Container Engine" }

func (s engineSection) Run(ctx context.Context) []doctor.Check {
	if s.connErr != nil {
		return []doctor.Check{{Level: doctor.Fail, Name: "connection", Detail: s.connErr.Error()}}
	}
	detail := ""
	if d, ok := s.gw.(interface{ Socket() string }); ok {
		detail = d.Socket()
	}
	checks := []doctor.Check{{Name: "connection", Detail: detail}}

	images, err := s.gw.ListImages(ctx)
	if err != nil {
		return append(checks, doctor.Check{Level: doctor.Fail, Name: "login image", Detail: err.Error()})
	}
	if hasImage(images, s.image) {
		return append(checks, doctor.Check{Name: "login image", Detail: s.image})
	}
	return append(checks, doctor.Check{Level: doctor.Warn, Name: "login image",
		Detail: s.image + " is not present locally and will be pulled on first use"})
}

func hasImage(images []engine.ImageInfo, ref string) bool {
	want := ref
	if !strings.Contains(want[strings.LastIndex(want, "/")+1:], ":") {
		want += ":latest"
	}
	for _, img := range images {
		if img.ID == ref {
			return true
		}
		for _, tag := range img.Tags {
			if tag == ref || tag == want {
				return true
			}
		}
	}
	return false
}

type workerSection struct {
	res   *resolver.Resolver
	names []string
}

func (s workerSection) Name() string { return "Worker" }

func (s workerSection) Run(ctx context.Context) []doctor.Check {
	if len(s.names) == 0 {
		return []doctor.Check{{Level: doctor.Warn, Name: "containers", Detail: "none configured; forced status checks use one-shot containers"}}
	}
	var checks []doctor.Check
	for _, c := range s.res.Survey(ctx, s.names) {
		check := doctor.Check{Name: c.Name, Detail: c.State.String()}
		switch {
		case c.Err != nil:
			check.Level = doctor.Fail
			check.Detail = c.Err.Error()
		case c.State.Status == engine.Running:
		case c.State.Status == engine.Missing:
			check.Level = doctor.Warn
			check.Detail = "missing; forced status checks fall back to one-shot containers"
		default:
			check.Level = doctor.Warn
		}
		checks = append(checks, check)
	}
	return checks
}

type leftoverSection struct {
	gw     engine.Gateway
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func (s leftoverSection) Name() string { return "Login Containers" }

func (s leftoverSection) Run(ctx context.Context) []doctor.Check {
	list, err := s.gw.ListContainers(ctx, s.prefix)
	if err != nil {
		return []doctor.Check{{Level: doctor.Fail, Name: "list", Detail: err.Error()}}
	}
	stale := 0
	for _, c := range list {
		if s.now().Sub(c.Created) > s.ttl {
			stale++
		}
	}
	check := doctor.Check{Name: "containers", Detail: fmt.Sprintf("%d present, %d older than %s", len(list), stale, s.ttl)}
	if stale > 0 {
		check.Level = doctor.Warn
		check.Detail += "; run 'tglogin sweep'"
	}
	return []doctor.Check{check}
}

type journalSection struct {
	enabled bool
	path    string
}

func (s journalSection) Name() string { return "Login Journal" }

func (s journalSection) Run(ctx context.Context) []doctor.Check {
	if !s.enabled {
		return []doctor.Check{{Level: doctor.Warn, Name: "journal", Detail: "disabled"}}
	}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return []doctor.Check{dirCheck("journal dir", filepath.Dir(s.path))}
	}
	j, err := audit.Open(s.path)
	if err != nil {
		return []doctor.Check{{Level: doctor.Fail, Name: "journal", Detail: err.Error()}}
	}
	defer j.Close()
	n, err := j.Verify(ctx)
	if err != nil {
		return []doctor.Check{{Level: doctor.Fail, Name: "hash chain", Detail: err.Error()}}
	}
	return []doctor.Check{{Name: "hash chain", Detail: fmt.Sprintf("%d entries intact", n)}}
}
