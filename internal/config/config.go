// Package config loads the tglogin service configuration from YAML with
// environment overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/majorcontext/tglogin/internal/engine"
	"github.com/majorcontext/tglogin/internal/secrets"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "/etc/tglogin/config.yaml"

// Config is the service configuration.
type Config struct {
	Docker   DockerConfig   `yaml:"docker"`
	Worker   WorkerConfig   `yaml:"worker"`
	Telegram TelegramConfig `yaml:"telegram"`
	Login    LoginConfig    `yaml:"login"`
	Sessions SessionsConfig `yaml:"sessions"`
	Presence PresenceConfig `yaml:"presence"`
	API      APIConfig      `yaml:"api"`
	Audit    AuditConfig    `yaml:"audit"`
	Debug    DebugConfig    `yaml:"debug"`
}

// DockerConfig locates the container engine.
type DockerConfig struct {
	// Socket is tried after the default socket.
	Socket string `yaml:"socket,omitempty"`
}

// WorkerConfig names the long-running worker containers.
type WorkerConfig struct {
	Containers   []string      `yaml:"containers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollBound    time.Duration `yaml:"poll_bound"`
}

// TelegramConfig holds the API credentials passed to the helper. Either
// value may be a secret reference (env://, keyring://, awssm://).
type TelegramConfig struct {
	APIID   string `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`
}

// LoginConfig describes the login helper and its containers.
type LoginConfig struct {
	Image         string            `yaml:"image"`
	HelperCommand []string          `yaml:"helper_command"`
	Keepalive     []string          `yaml:"keepalive,omitempty"`
	Network       string            `yaml:"network,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	Mounts        []string          `yaml:"mounts,omitempty"`

	// SessionDir is the host directory holding user_<key>.session files.
	SessionDir string `yaml:"session_dir"`
	// ContainerSessionDir is where SessionDir is mounted in containers.
	ContainerSessionDir string `yaml:"container_session_dir"`

	StepTimeout     time.Duration `yaml:"step_timeout"`
	StatusTimeout   time.Duration `yaml:"status_timeout"`
	RequestInterval time.Duration `yaml:"request_interval"`
	RequestBurst    int           `yaml:"request_burst"`
}

// SessionsConfig governs per-user login containers.
type SessionsConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	NamePrefix    string        `yaml:"name_prefix"`
}

// PresenceConfig governs the session presence cache.
type PresenceConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// UserHeader carries the caller's user key, set by the fronting proxy.
	UserHeader string `yaml:"user_header"`
}

// AuditConfig configures the login journal.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DebugConfig configures debug log files.
type DebugConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Containers:   []string{"telegram-worker"},
			PollInterval: time.Second,
			PollBound:    30 * time.Second,
		},
		Login: LoginConfig{
			Image:               "tglogin-helper:latest",
			HelperCommand:       []string{"python", "/app/login_helper.py"},
			Keepalive:           []string{"sleep", "infinity"},
			SessionDir:          "/var/lib/tglogin/sessions",
			ContainerSessionDir: "/tmp/session_volume",
			StepTimeout:         30 * time.Second,
			StatusTimeout:       3 * time.Second,
			RequestInterval:     30 * time.Second,
			RequestBurst:        3,
		},
		Sessions: SessionsConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: 5 * time.Minute,
			StopTimeout:   5 * time.Second,
			NamePrefix:    "tglogin-",
		},
		Presence: PresenceConfig{TTL: 30 * time.Second},
		API: APIConfig{
			Listen:     "127.0.0.1:8085",
			UserHeader: "X-User-Key",
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    "/var/lib/tglogin/journal.db",
		},
		Debug: DebugConfig{
			Dir:           "/var/log/tglogin",
			RetentionDays: 14,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path reads DefaultPath and
// tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from TGLOGIN_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
		return nil
	}

	str("TGLOGIN_DOCKER_SOCKET", &c.Docker.Socket)
	str("TGLOGIN_LISTEN", &c.API.Listen)
	str("TGLOGIN_API_ID", &c.Telegram.APIID)
	str("TGLOGIN_API_HASH", &c.Telegram.APIHash)
	str("TGLOGIN_SESSION_DIR", &c.Login.SessionDir)
	str("TGLOGIN_IMAGE", &c.Login.Image)
	if v, ok := lookup("TGLOGIN_WORKER_CONTAINERS"); ok && v != "" {
		c.Worker.Containers = splitList(v)
	}

	for name, dst := range map[string]*time.Duration{
		"TGLOGIN_IDLE_TTL":       &c.Sessions.IdleTTL,
		"TGLOGIN_SWEEP_INTERVAL": &c.Sessions.SweepInterval,
		"TGLOGIN_STEP_TIMEOUT":   &c.Login.StepTimeout,
		"TGLOGIN_STATUS_TIMEOUT": &c.Login.StatusTimeout,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Login.Image == "" {
		return fmt.Errorf("login.image is required")
	}
	if len(c.Login.HelperCommand) == 0 || c.Login.HelperCommand[0] == "" {
		return fmt.Errorf("login.helper_command[0] cannot be empty: the first element must be the executable")
	}
	if !filepath.IsAbs(c.Login.SessionDir) {
		return fmt.Errorf("login.session_dir must be an absolute path, got %q", c.Login.SessionDir)
	}
	if !filepath.IsAbs(c.Login.ContainerSessionDir) {
		return fmt.Errorf("login.container_session_dir must be an absolute path, got %q", c.Login.ContainerSessionDir)
	}
	for _, m := range c.Login.Mounts {
		if _, err := ParseMount(m); err != nil {
			return err
		}
	}
	for name, d := range map[string]time.Duration{
		"sessions.idle_ttl":       c.Sessions.IdleTTL,
		"sessions.sweep_interval": c.Sessions.SweepInterval,
		"login.step_timeout":      c.Login.StepTimeout,
		"login.status_timeout":    c.Login.StatusTimeout,
		"worker.poll_interval":    c.Worker.PollInterval,
		"worker.poll_bound":       c.Worker.PollBound,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Login.StatusTimeout > 3*time.Second {
		return fmt.Errorf("login.status_timeout must be at most 3s, got %s", c.Login.StatusTimeout)
	}
	if c.Sessions.NamePrefix == "" {
		return fmt.Errorf("sessions.name_prefix is required")
	}
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if c.API.UserHeader == "" {
		return fmt.Errorf("api.user_header is required")
	}
	if id := c.Telegram.APIID; id != "" && !secrets.IsReference(id) {
		if _, err := strconv.Atoi(id); err != nil {
			return fmt.Errorf("telegram.api_id must be numeric, got %q", id)
		}
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required when audit is enabled")
	}
	return nil
}

// Binds returns the mounts for login and one-shot containers: the session
// directory first, then any extra mounts.
func (c *Config) Binds() []engine.Bind {
	binds := []engine.Bind{{Source: c.Login.SessionDir, Target: c.Login.ContainerSessionDir}}
	for _, m := range c.Login.Mounts {
		if b, err := ParseMount(m); err == nil {
			binds = append(binds, b)
		}
	}
	return binds
}

// EnvList renders Login.Env as KEY=VALUE pairs in key order.
func (c *Config) EnvList() []string {
	keys := make([]string, 0, len(c.Login.Env))
	for k := range c.Login.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Login.Env[k])
	}
	return out
}

// Credentials resolves the Telegram API id and hash.
func (c *Config) Credentials(ctx context.Context) (apiID, apiHash string, err error) {
	if c.Telegram.APIID == "" || c.Telegram.APIHash == "" {
		return "", "", fmt.Errorf("telegram.api_id and telegram.api_hash are required\n\n  Set them in %s or via TGLOGIN_API_ID / TGLOGIN_API_HASH", DefaultPath)
	}
	vals, err := secrets.ResolveAll(ctx, map[string]string{
		"telegram.api_id":   c.Telegram.APIID,
		"telegram.api_hash": c.Telegram.APIHash,
	})
	if err != nil {
		return "", "", err
	}
	apiID, apiHash = vals["telegram.api_id"], vals["telegram.api_hash"]
	return apiID, apiHash, nil
}
