// Package env resolves the process environment the engine runs in: the app
// root and its directory layout, the execution mode, the HMAC key used to
// sign snapshots and whether local files may be written at all.
package env

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/gitlab-az1/ray/internal/fsutil"
)

// Mode is the execution mode.
type Mode string

const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
	ModeTest        Mode = "test"
	ModeEdge        Mode = "edge"
	ModeCLI         Mode = "cli"
)

const (
	// HMACKeyVar holds the snapshot signing secret.
	HMACKeyVar = "HMAC_KEY"
	// RootVar overrides the app root.
	RootVar = "RAY_ROOT"
	// ModeVar selects the execution mode; NODE_ENV is honoured as a fallback.
	ModeVar = "RAY_ENV"
	// NoFilesystemVar is set by hosts that forbid local file writes.
	NoFilesystemVar = "VERCEL_ENV"
)

const maxExpandDepth = 8

var variablePattern = regexp.MustCompile(`\$\{(.*?)\}`)

// Environment is an immutable view of the process environment.
type Environment struct {
	root string
	mode Mode
	vars map[string]string
}

// Option configures an Environment.
type Option func(*Environment)

// WithRoot pins the app root.
func WithRoot(root string) Option {
	return func(e *Environment) {
		e.root = root
	}
}

// WithMode pins the execution mode.
func WithMode(mode Mode) Option {
	return func(e *Environment) {
		e.mode = mode
	}
}

// WithVariables overlays variables on top of the process environment.
func WithVariables(vars map[string]string) Option {
	return func(e *Environment) {
		for k, v := range vars {
			e.vars[k] = v
		}
	}
}

// WithoutProcessEnv drops the variables inherited from the process. It must
// come before WithVariables to be useful.
func WithoutProcessEnv() Option {
	return func(e *Environment) {
		e.vars = make(map[string]string)
	}
}

// New snapshots os.Environ and applies opts.
func New(opts ...Option) (*Environment, error) {
	e := &Environment{vars: make(map[string]string)}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e.vars[k] = v
		}
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.mode == "" {
		e.mode = resolveMode(e.vars)
	}

	if e.root == "" {
		if v, ok := e.Variable(RootVar); ok && v != "" {
			e.root = v
		} else if e.mode == ModeProduction {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, rayerrors.EnvironmentUnsupported("cannot resolve home directory for the app root")
			}
			e.root = filepath.Join(home, ".ray")
		} else {
			wd, err := os.Getwd()
			if err != nil {
				return nil, rayerrors.EnvironmentUnsupported("cannot resolve working directory for the app root")
			}
			e.root = wd
		}
	}

	root, err := filepath.Abs(e.root)
	if err != nil {
		return nil, rayerrors.InvalidArgument("invalid app root", err)
	}
	e.root = root

	return e, nil
}

func resolveMode(vars map[string]string) Mode {
	raw := vars[ModeVar]
	if raw == "" {
		raw = vars["NODE_ENV"]
	}
	if vars["CLI_ENV"] == "1" {
		return ModeCLI
	}

	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeProduction:
		return ModeProduction
	case ModeTest:
		return ModeTest
	case ModeEdge:
		return ModeEdge
	default:
		return ModeDevelopment
	}
}

func (e *Environment) Mode() Mode         { return e.mode }
func (e *Environment) IsProduction() bool { return e.mode == ModeProduction }
func (e *Environment) IsTest() bool       { return e.mode == ModeTest }

// Root returns the app root.
func (e *Environment) Root() string { return e.root }

// ConfigDir is <root>/etc, home of ray.conf.
func (e *Environment) ConfigDir() string { return filepath.Join(e.root, "etc") }

// ConfigFile is the default ray.conf path.
func (e *Environment) ConfigFile() string { return filepath.Join(e.ConfigDir(), "ray.conf") }

func (e *Environment) VarDir() string      { return filepath.Join(e.root, "var") }
func (e *Environment) CacheDir() string    { return filepath.Join(e.VarDir(), "cache") }
func (e *Environment) LogsDir() string     { return filepath.Join(e.VarDir(), "logs") }
func (e *Environment) StoreDir() string    { return filepath.Join(e.VarDir(), ".store") }
func (e *Environment) DatabaseDir() string { return filepath.Join(e.VarDir(), "ray", "data") }
func (e *Environment) TempDir() string     { return filepath.Join(e.root, "tmp") }
func (e *Environment) ExecDir() string     { return filepath.Join(e.root, "bin") }

// EnsureDirs creates the whole layout under the app root.
func (e *Environment) EnsureDirs() error {
	if err := e.RequireFilesystem(); err != nil {
		return err
	}
	for _, dir := range []string{
		e.ConfigDir(), e.CacheDir(), e.LogsDir(), e.StoreDir(),
		e.DatabaseDir(), e.TempDir(), e.ExecDir(),
	} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// Variable returns name with ${OTHER} references expanded.
func (e *Environment) Variable(name string) (string, bool) {
	v, ok := e.vars[name]
	if !ok {
		return "", false
	}
	return e.expand(v, 0), true
}

func (e *Environment) expand(v string, depth int) string {
	if depth >= maxExpandDepth || !strings.Contains(v, "${") {
		return v
	}
	return variablePattern.ReplaceAllStringFunc(v, func(ref string) string {
		inner := variablePattern.FindStringSubmatch(ref)[1]
		return e.expand(e.vars[inner], depth+1)
	})
}

// HMACKey returns the snapshot signing secret.
func (e *Environment) HMACKey() ([]byte, error) {
	v, ok := e.Variable(HMACKeyVar)
	if !ok || v == "" {
		return nil, rayerrors.EnvironmentUnsupported(HMACKeyVar + " is not set")
	}
	return []byte(v), nil
}

// FilesystemAllowed reports whether local files may be written.
func (e *Environment) FilesystemAllowed() bool {
	return e.vars[NoFilesystemVar] == ""
}

// RequireFilesystem fails with EnvironmentUnsupported when local files are
// forbidden.
func (e *Environment) RequireFilesystem() error {
	if e == nil || e.FilesystemAllowed() {
		return nil
	}
	return rayerrors.EnvironmentUnsupported("local filesystem access is not available in this environment").
		WithDetail("variable", NoFilesystemVar)
}
