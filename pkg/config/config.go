// Package config resolves the handful of settings the hook needs beyond
// its positional arguments: where its lock state lives, and where a
// signing key would be if uploads should be signed. Grounded on the
// teacher's app_config.go constructor-plus-xdg-lookup shape, trimmed down
// from a user-editable YAML document (this hook has nothing worth a
// human-edited config file) to env-var overrides of compiled-in defaults.
package config

import (
	"os"
	"path/filepath"

	"github.com/OpenPeeDeeP/xdg"
	yaml "github.com/jesseduffield/yaml"
)

// HookConfig is the resolved set of settings one invocation runs with.
// Assembled by main from CLI positional arguments (spec §6) plus the
// lookups in this package.
type HookConfig struct {
	LocalSystem     string `yaml:"localSystem"`
	MaxSilentTime   int64  `yaml:"maxSilentTime"`
	PrintBuildTrace bool   `yaml:"printBuildTrace"`
	BuildTimeout    int64  `yaml:"buildTimeout"`

	StateDir       string `yaml:"stateDir"`
	MachinesFile   string `yaml:"machinesFile"`
	SigningKeyPath string `yaml:"signingKeyPath,omitempty"`
	InsecureSSH    bool   `yaml:"insecureSSH,omitempty"`
}

const (
	stateDirEnv      = "NIX_CURRENT_LOAD"
	defaultStateDir  = "/run/nix/current-load"
	signingKeyEnv    = "NIX_BUILD_HOOK_SIGNING_KEY"
	debugHookEnv     = "NIX_DEBUG_HOOK"
	vendorName       = ""
	projectNameSpace = "nix-build-remote-hook"
)

// StateDir resolves $NIX_CURRENT_LOAD (spec §3, §6): the env var if set,
// otherwise /run/nix/current-load. Falls back to the xdg cache directory
// for this tool when that path, override or default, can't be created (no root, no
// /run/nix on this host), so a non-NixOS install still has somewhere
// writable for its lock state.
func StateDir() (string, error) {
	dir := os.Getenv(stateDirEnv)
	if dir == "" {
		dir = defaultStateDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		dirs := xdg.New(vendorName, projectNameSpace)
		fallback := dirs.CacheHome()
		if mkErr := os.MkdirAll(fallback, 0o755); mkErr != nil {
			return "", err
		}
		return fallback, nil
	}
	return dir, nil
}

// SigningKeyPath resolves the path whose mere existence turns on closure
// signing for a push (remotebuild.signingEnabled). No key is generated
// here; that is an external, pre-provisioned secret.
func SigningKeyPath() string {
	if env := os.Getenv(signingKeyEnv); env != "" {
		return env
	}
	dirs := xdg.New(vendorName, projectNameSpace)
	return filepath.Join(dirs.ConfigHome(), "signing-key.sec")
}

// DebugEnabled reports whether NIX_DEBUG_HOOK is set (spec §6): turns on
// verbose logrus output and relaxes SSH host-key checking for local
// testing against throwaway builders.
func DebugEnabled() bool {
	return os.Getenv(debugHookEnv) != ""
}

// Dump renders cfg as YAML, the way the teacher's `--config` flag prints
// GetDefaultConfig() for inspection before anything else runs.
func Dump(cfg HookConfig) (string, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
