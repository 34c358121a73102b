// Package hook drives the outer request loop a build daemon invokes per
// build request (spec §4.4, §6): read a request line, get a placement
// decision, reply on the reply channel, and on accept drive one remote
// build, retrying placement within the same request if the chosen host
// turns out to be unreachable. An accept ends the loop for good — the
// parent is not consulted for further requests once one build is underway.
package hook

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nix-community/nix-build-remote-hook/pkg/hookerr"
	"github.com/nix-community/nix-build-remote-hook/pkg/placement"
	"github.com/nix-community/nix-build-remote-hook/pkg/registry"
	"github.com/nix-community/nix-build-remote-hook/pkg/remotebuild"
)

// Driver runs one accepted build against machine. Factored out as a field
// on Config rather than a direct call to remotebuild.Run so tests can
// substitute a fake without a real SSH connection. hooks lets the driver
// send the accept reply and read the parent's inputs/outputs lines at the
// right point in the protocol (spec §4.6 steps 2-3) without the driver
// owning the reply channel or stdin stream itself.
type Driver func(ctx context.Context, machine *registry.Machine, drvPath string, hooks remotebuild.Hooks) (*remotebuild.Result, error)

// Config bundles everything the loop needs beyond the request stream.
type Config struct {
	StateDir    string
	LocalSystem string

	Reg *registry.Registry
	Log *logrus.Entry

	Stdin  io.Reader
	Reply  io.Writer // the reply channel (spec §4: "# accept|decline|postpone\n" on stderr)
	Drive  Driver
	NowLog func(format string, args ...interface{}) // optional placement debug-load sink
}

// Run reads requests from cfg.Stdin, replying decline/postpone and looping
// back to the next line, until either EOF (clean exit, result nil) or a
// request is accepted and driven to completion (result non-nil, its
// ExitCode is what the process should exit with). The returned error is
// only ever a fatal one (IOFatal, ConfigMalformed, or anything the driver
// returned besides a RemoteBuildFailed/ConnectFailed, both handled inline).
//
// A single bufio.Scanner is shared for the whole run: once a request is
// accepted, the driver's ReadPaths hook reads its two inputs/outputs lines
// off this same scanner, continuing right where the request-line scan left
// off instead of racing a second reader over the same stream.
func Run(ctx context.Context, cfg Config) (*remotebuild.Result, error) {
	scanner := bufio.NewScanner(cfg.Stdin)
	for scanner.Scan() {
		req, err := parseRequestLine(scanner.Text())
		if err != nil {
			return nil, hookerr.Wrap(hookerr.KindConfigMalformed, "parse request line", err)
		}

		accepted, result, err := handleRequest(ctx, cfg, scanner, req)
		if err != nil {
			return nil, err
		}
		if accepted {
			return result, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, hookerr.Wrap(hookerr.KindIOFatal, "read request stream", err)
	}
	return nil, nil
}

// handleRequest implements spec §4.4: place, reply, and on accept drive the
// build. A ConnectFailed host is disabled and placement retried within the
// same request — the retry is safe because remotebuild.Run never calls
// hooks.Accept until the SSH connection is up, so a ConnectFailed attempt
// never touches the reply channel. A RemoteBuildFailed is not a
// process-fatal error — it is reported via result.ExitCode, exactly as
// spec §6 expects the whole process to exit with the worker's status.
func handleRequest(ctx context.Context, cfg Config, scanner *bufio.Scanner, req placement.Request) (accepted bool, result *remotebuild.Result, err error) {
	for {
		decision, err := placement.Decide(ctx, cfg.StateDir, cfg.Reg, req, cfg.LocalSystem, cfg.NowLog)
		if err != nil {
			return false, nil, err
		}

		switch decision.Outcome {
		case placement.Decline:
			return false, nil, reply(cfg.Reply, "decline")
		case placement.Postpone:
			return false, nil, reply(cfg.Reply, "postpone")
		case placement.Accept:
			hooks := remotebuild.Hooks{
				Accept:    func() error { return reply(cfg.Reply, "accept") },
				ReadPaths: func() ([]string, []string, error) { return readInputsOutputs(scanner) },
			}

			buildResult, buildErr := cfg.Drive(ctx, decision.Machine, req.DrvPath, hooks)
			decision.Lock.Release()

			if buildErr != nil && hookerr.Is(buildErr, hookerr.KindConnectFailed) {
				cfg.Log.WithField("host", decision.Machine.HostName).
					Warn("connect failed, disabling host and retrying placement for this request")
				cfg.Reg.Disable(decision.Machine.HostName)
				continue
			}

			if buildErr != nil && !hookerr.Is(buildErr, hookerr.KindRemoteBuildFailed) {
				return true, nil, buildErr
			}
			return true, buildResult, nil
		default:
			return false, nil, hookerr.New(hookerr.KindIOFatal, "unknown placement outcome")
		}
	}
}

func reply(w io.Writer, verdict string) error {
	_, err := fmt.Fprintf(w, "# %s\n", verdict)
	if err != nil {
		return hookerr.Wrap(hookerr.KindIOFatal, "write reply", err)
	}
	return nil
}

// readInputsOutputs reads the two whitespace-separated path-list lines the
// parent sends right after an accept (spec §4.6 step 3): inputs, then
// outputs.
func readInputsOutputs(scanner *bufio.Scanner) (inputs, outputs []string, err error) {
	if !scanner.Scan() {
		return nil, nil, scanEOFErr(scanner)
	}
	inputs = parsePathList(scanner.Text())

	if !scanner.Scan() {
		return nil, nil, scanEOFErr(scanner)
	}
	outputs = parsePathList(scanner.Text())

	return inputs, outputs, nil
}

func scanEOFErr(scanner *bufio.Scanner) error {
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("unexpected end of input")
}

func parsePathList(line string) []string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// parseRequestLine parses one request line (spec §3): amWilling,
// neededSystem, drvPath, requiredFeatures (comma-joined, "-" or empty for
// none).
func parseRequestLine(line string) (placement.Request, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return placement.Request{}, fmt.Errorf("expected at least 3 fields, got %d", len(fields))
	}

	req := placement.Request{
		AmWilling:    fields[0] == "1",
		NeededSystem: fields[1],
		DrvPath:      fields[2],
	}
	if len(fields) >= 4 && fields[3] != "" && fields[3] != "-" {
		req.RequiredFeatures = strings.Split(fields[3], ",")
	}
	return req, nil
}
