package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/LucPettett/what-do-i-become/internal/audit"
	"github.com/LucPettett/what-do-i-become/internal/config"
	"github.com/LucPettett/what-do-i-become/internal/contract"
	"github.com/LucPettett/what-do-i-become/internal/events"
	"github.com/LucPettett/what-do-i-become/internal/gitpub"
	"github.com/LucPettett/what-do-i-become/internal/hardware"
	"github.com/LucPettett/what-do-i-become/internal/inbox"
	"github.com/LucPettett/what-do-i-become/internal/metrics"
	"github.com/LucPettett/what-do-i-become/internal/store"
	"github.com/LucPettett/what-do-i-become/internal/tick"
	"github.com/LucPettett/what-do-i-become/internal/worker"
)

const (
	deviceIDEnv  = "WDIB_DEVICE_ID"
	deviceIDFile = ".device_id"
	dotEnvFile   = ".env"
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// App is the resolved runtime context shared by the CLI commands.
type App struct {
	Config   *config.Config
	DeviceID string
	Store    store.Store
	Logger   *slog.Logger
	Now      func() time.Time
}

// Bootstrap loads .env, wdib.yml and environment overrides from root and
// resolves the device identity.
func Bootstrap(root string, v *viper.Viper, logOut io.Writer) (*App, error) {
	if root == "" {
		root = "."
	}
	if err := LoadDotEnv(root); err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if v != nil {
		if err := cfg.ApplyOverrides(v); err != nil {
			return nil, err
		}
	}
	cfg.Resolve()
	id, err := ResolveDeviceID(cfg.Root, cfg.DeviceID, uuid.NewString)
	if err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg, logOut)
	if err != nil {
		return nil, err
	}
	return &App{
		Config:   cfg,
		DeviceID: id,
		Store:    store.New(cfg.Root),
		Logger:   logger.With(slog.String("device", id)),
		Now:      time.Now,
	}, nil
}

// LoadDotEnv exports root/.env into the process environment. Variables that
// are already set win.
func LoadDotEnv(root string) error {
	path := filepath.Join(root, dotEnvFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ResolveDeviceID picks the device id: the configured value (environment or
// wdib.yml), then WDIB_DEVICE_ID from root/.env, then root/.device_id, and
// finally a newly generated id that is written to root/.device_id.
func ResolveDeviceID(root, configured string, generate func() string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return checkDeviceID(id)
	}
	if id := strings.TrimSpace(os.Getenv(deviceIDEnv)); id != "" {
		return checkDeviceID(id)
	}
	if env, err := godotenv.Read(filepath.Join(root, dotEnvFile)); err == nil {
		if id := strings.TrimSpace(env[deviceIDEnv]); id != "" {
			return checkDeviceID(id)
		}
	}
	path := filepath.Join(root, deviceIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return checkDeviceID(id)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	id, err := checkDeviceID(generate())
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	if err := store.WriteFileAtomic(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return id, nil
}

func checkDeviceID(id string) (string, error) {
	if !deviceIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid device id %q", id)
	}
	return id, nil
}

// NewLogger builds the slog logger described by the log section.
func NewLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func (a *App) Layout() store.Layout { return a.Store.Layout }

func (a *App) Inbox() inbox.Inbox {
	return inbox.Inbox{Path: a.Layout().HumanMessagePath(a.DeviceID), Now: a.Now}
}

func (a *App) EventLog() events.Log {
	return events.Log{Path: a.Layout().EventsPath(a.DeviceID), Now: a.Now}
}

// EvidencePath is where the external detector writes its reports.
func (a *App) EvidencePath() string {
	if a.Config.Hardware.EvidenceFile != "" {
		return a.Config.Hardware.EvidenceFile
	}
	return a.Layout().EvidencePath(a.DeviceID)
}

// Audit opens the sqlite index of the event log and brings it up to date.
func (a *App) Audit(ctx context.Context) (*audit.Index, error) {
	ix, err := audit.Open(ctx, a.Layout().AuditDBPath(a.DeviceID))
	if err != nil {
		return nil, err
	}
	if _, err := ix.Sync(ctx, a.EventLog(), a.Now()); err != nil {
		ix.Close()
		return nil, err
	}
	return ix, nil
}

// QueryEvents syncs the audit index and returns the newest matching events.
func (a *App) QueryEvents(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	ix, err := a.Audit(ctx)
	if err != nil {
		return nil, err
	}
	defer ix.Close()
	return ix.Tail(ctx, f)
}

// Publisher returns the git publisher, or nil when publication to git is off.
func (a *App) Publisher() (*gitpub.Publisher, error) {
	g := a.Config.Git
	if !g.Enabled {
		return nil, nil
	}
	if filepath.Clean(g.RepoDir) != filepath.Clean(a.Config.Root) {
		return nil, fmt.Errorf("git.repo_dir must be the root directory (%s)", a.Config.Root)
	}
	return &gitpub.Publisher{
		RepoDir:     g.RepoDir,
		Remote:      g.Remote,
		Branch:      g.Branch,
		AuthorName:  g.AuthorName,
		AuthorEmail: g.AuthorEmail,
		Auth:        gitpub.Auth{Token: g.Token, SSHKeyPath: g.SSHKeyPath},
		PushTimeout: g.PushTimeout,
		Now:         a.Now,
	}, nil
}

// Ticker wires every component of a cycle from the configuration.
func (a *App) Ticker() (*tick.Ticker, error) {
	validator, err := contract.NewValidator()
	if err != nil {
		return nil, err
	}
	verifier, err := hardware.NewCELVerifier()
	if err != nil {
		return nil, err
	}
	pub, err := a.Publisher()
	if err != nil {
		return nil, err
	}
	cfg := a.Config
	t := &tick.Ticker{
		DeviceID:  a.DeviceID,
		Store:     a.Store,
		Validator: validator,
		Probe: hardware.Probe{
			Source:      hardware.MultiSource{hardware.FileSource{Path: a.EvidencePath()}, hardware.PathSource{}},
			Verifier:    verifier,
			MaxAttempts: cfg.Hardware.MaxAttempts,
			Retry:       cfg.RetryPolicy(),
		},
		MissionFile: cfg.MissionFile,
		ContextRefs: []string{a.Layout().DeviceDir(a.DeviceID), cfg.MissionFile},
		Retry:       cfg.RetryPolicy(),
		Logger:      a.Logger,
		Now:         a.Now,
	}
	if cfg.Worker.Command != "" {
		t.Worker = worker.Runner{
			Command: cfg.Worker.Command,
			Args:    cfg.Worker.Args,
			Dir:     cfg.Worker.Dir,
			Env:     cfg.Worker.Env,
			Timeout: cfg.Worker.Timeout,
		}
	}
	if pub != nil {
		t.Publisher = pub
	}
	if cfg.Metrics.Enabled {
		t.Metrics = metrics.New(nil)
	}
	return t, nil
}
