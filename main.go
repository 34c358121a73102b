package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/nix-community/nix-build-remote-hook/pkg/config"
	"github.com/nix-community/nix-build-remote-hook/pkg/env"
	"github.com/nix-community/nix-build-remote-hook/pkg/hook"
	hooklog "github.com/nix-community/nix-build-remote-hook/pkg/log"
	"github.com/nix-community/nix-build-remote-hook/pkg/nixstore"
	"github.com/nix-community/nix-build-remote-hook/pkg/registry"
	"github.com/nix-community/nix-build-remote-hook/pkg/remotebuild"
	"github.com/nix-community/nix-build-remote-hook/pkg/utils"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	printConfigFlag bool

	localSystem     string
	maxSilentTime   string
	printBuildTrace string
	buildTimeout    string
)

func main() {
	updateBuildInfo()

	flaggy.SetName("nix-build-remote-hook")
	flaggy.SetDescription("build-remote hook: dispatches one Nix build to a remote builder")
	flaggy.SetVersion(fmt.Sprintf("%s (commit %s, built %s)", version, commit, date))

	flaggy.Bool(&printConfigFlag, "c", "print-config", "Print the resolved configuration and exit")
	flaggy.AddPositionalValue(&localSystem, "localSystem", 1, true, "the system type this hook instance runs on")
	flaggy.AddPositionalValue(&maxSilentTime, "maxSilentTime", 2, true, "seconds of silence tolerated before the worker kills the build")
	flaggy.AddPositionalValue(&printBuildTrace, "printBuildTrace", 3, true, "truthy/falsy: print '@ build-remote' trace lines")
	flaggy.AddPositionalValue(&buildTimeout, "buildTimeout", 4, true, "overall build timeout in seconds forwarded to the worker")

	flaggy.Parse()

	if err := env.Neutralize(); err != nil {
		log.Fatal(err.Error())
	}

	cfg, err := resolveConfig()
	if err != nil {
		log.Fatal(err.Error())
	}

	if printConfigFlag {
		dump, err := config.Dump(cfg)
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Print(dump)
		os.Exit(0)
	}

	logger := hooklog.NewLogger(cfg.LocalSystem, version)

	reg, err := registry.Load(cfg.MachinesFile)
	if err != nil {
		reportFatal(logger, err)
	}

	var debugLoad func(format string, args ...interface{})
	if config.DebugEnabled() {
		debugLoad = func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		}
	}

	rbCfg := remotebuild.Config{
		LocalSystem:     cfg.LocalSystem,
		LocalStoreDir:   "/nix/store",
		StateDir:        cfg.StateDir,
		MaxSilentTime:   cfg.MaxSilentTime,
		BuildTimeout:    cfg.BuildTimeout,
		PrintBuildTrace: cfg.PrintBuildTrace,
		SigningKeyPath:  cfg.SigningKeyPath,
		InsecureSSH:     cfg.InsecureSSH,
		Log:             logger,
		Valid:           nixstore.Valid,
		ImportFn:        nixstore.Import,
		Pusher:          &remotebuild.SFTPPusher{},
	}

	hookCfg := hook.Config{
		StateDir:    cfg.StateDir,
		LocalSystem: cfg.LocalSystem,
		Reg:         reg,
		Log:         logger,
		Stdin:       os.Stdin,
		Reply:       os.Stderr,
		NowLog:      debugLoad,
		Drive: func(ctx context.Context, m *registry.Machine, drvPath string, hooks remotebuild.Hooks) (*remotebuild.Result, error) {
			return remotebuild.Run(ctx, rbCfg, m, drvPath, hooks)
		},
	}

	result, err := hook.Run(context.Background(), hookCfg)
	if err != nil {
		reportFatal(logger, err)
	}
	if result != nil {
		os.Exit(result.ExitCode)
	}
}

func resolveConfig() (config.HookConfig, error) {
	stateDir, err := config.StateDir()
	if err != nil {
		return config.HookConfig{}, err
	}

	maxSilent, err := strconv.ParseInt(maxSilentTime, 10, 64)
	if err != nil {
		return config.HookConfig{}, fmt.Errorf("maxSilentTime: %w", err)
	}
	timeout, err := strconv.ParseInt(buildTimeout, 10, 64)
	if err != nil {
		return config.HookConfig{}, fmt.Errorf("buildTimeout: %w", err)
	}

	return config.HookConfig{
		LocalSystem:     localSystem,
		MaxSilentTime:   maxSilent,
		PrintBuildTrace: isTruthy(printBuildTrace),
		BuildTimeout:    timeout,
		StateDir:        stateDir,
		MachinesFile:    registry.DefaultMachinesPath(),
		SigningKeyPath:  config.SigningKeyPath(),
		InsecureSSH:     config.DebugEnabled(),
	}, nil
}

func isTruthy(s string) bool {
	return s == "1" || s == "true" || s == "yes"
}

// reportFatal mirrors the teacher's main(): wrap with go-errors for a stack
// trace, log it, and abort. There is no interactive app to close first.
func reportFatal(logger *logrus.Entry, err error) {
	newErr := errors.Wrap(err, 0)
	stackTrace := newErr.ErrorStack()
	logger.Error(stackTrace)
	log.Fatal(stackTrace)
}

func updateBuildInfo() {
	if version == defaultVersion {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			revision, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.revision"
			})
			if ok {
				commit = revision.Value
				version = utils.SafeTruncate(revision.Value, 7)
			}

			buildTime, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.time"
			})
			if ok {
				date = buildTime.Value
			}
		}
	}
}
