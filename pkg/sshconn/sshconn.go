// Package sshconn is the SSH transport collaborator spec §1 calls out as
// external to the hook's scope: given a host and key options, it yields a
// bidirectional pair of byte streams to a remote worker speaking the
// build protocol. A concrete implementation is still provided here (per
// SPEC_FULL.md's domain-stack goal of exercising the real ecosystem
// libraries, not just naming an interface), grounded on the same
// ssh.Dial + NewSession + subsystem-pipe shape perkeep-perkeep's sftp
// storage backend uses to get at a remote process's stdio, and on the
// teacher's own small-package-per-concern layout for "ssh" things
// (pkg/commands/ssh/ssh.go).
package sshconn

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"time"

	"github.com/jesseduffield/kill"
	"github.com/kevinburke/ssh_config"
	"github.com/mgutz/str"
	"github.com/skeema/knownhosts"
	"golang.org/x/crypto/ssh"

	"github.com/nix-community/nix-build-remote-hook/pkg/hookerr"
)

const connectTimeout = 10 * time.Second

// externalSSHEnv names an env var carrying an external ssh command
// template (e.g. "ssh -x -a -oBatchMode=yes"). When set, DialExternal is
// used instead of the Go ssh.Dial path: the worker command is run as a
// real subprocess the way Nix's own build hook has always shelled out to
// ssh(1), rather than speaking the wire protocol with an in-process client.
const externalSSHEnv = "NIX_BUILD_HOOK_SSH_COMMAND"

// Session is a connected worker channel: Stdin/Stdout speak the build
// protocol (spec §4.6), Close tears the whole session down. Exactly one of
// (client, session) or cmd is set, depending on whether Dial or DialExternal
// produced it.
type Session struct {
	client  *ssh.Client
	session *ssh.Session

	cmd *exec.Cmd

	Stdout io.Reader
	Stdin  io.WriteCloser
}

// Client exposes the underlying *ssh.Client so other sessions (e.g. an
// sftp subsystem session for the closure push, spec §1's "already-open
// channel") can be opened against the same connection. Sessions opened by
// DialExternal have no *ssh.Client; remotebuild.Run rejects such a session
// with an IOFatal error, since its closure push has no path that works
// without one.
func (s *Session) Client() *ssh.Client {
	return s.client
}

// Close releases the ssh session and the underlying connection, or, for an
// externally-dialed session, kills the ssh subprocess's process group
// (spec §1: "deliberately out of scope" subprocess teardown is still the
// hook's job when it chose to shell out to ssh(1) instead of the library).
func (s *Session) Close() error {
	if s.cmd != nil {
		return kill.Kill(s.cmd)
	}
	sessErr := s.session.Close()
	connErr := s.client.Close()
	if sessErr != nil {
		return sessErr
	}
	return connErr
}

// Connect is the entry point the remote build driver calls: it dials with
// the Go ssh library unless externalSSHEnv names a real ssh(1) command
// template, in which case it shells out instead (DialExternal).
func Connect(hostName, identityFile string, insecureSkipHostKeyCheck bool) (*Session, error) {
	if tmpl := os.Getenv(externalSSHEnv); tmpl != "" {
		return DialExternal(tmpl, hostName, identityFile)
	}
	return Dial(hostName, identityFile, insecureSkipHostKeyCheck)
}

// Dial connects to hostName using the given identity file (spec §4.6 step
// 1: "-i <sshKeys> plus the host name"), resolving a per-host alias via
// the user's ssh_config when hostName matches a configured Host stanza,
// and runs the worker's remote command ("nix-store --serve --write") over
// the session's stdio pipes. Any failure here is ConnectFailed (spec §7).
func Dial(hostName, identityFile string, insecureSkipHostKeyCheck bool) (*Session, error) {
	resolvedHost, resolvedPort, resolvedUser := resolveAlias(hostName)

	signer, err := loadIdentity(identityFile)
	if err != nil {
		return nil, hookerr.Wrap(hookerr.KindConnectFailed, "load identity "+identityFile, err)
	}

	hostKeyCallback, err := hostKeyCallback(insecureSkipHostKeyCheck)
	if err != nil {
		return nil, hookerr.Wrap(hookerr.KindConnectFailed, "load known_hosts", err)
	}

	cc := &ssh.ClientConfig{
		User:            resolvedUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         connectTimeout,
	}

	addr := net.JoinHostPort(resolvedHost, resolvedPort)
	client, err := ssh.Dial("tcp", addr, cc)
	if err != nil {
		return nil, hookerr.Wrap(hookerr.KindConnectFailed, "dial "+addr, err)
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, hookerr.Wrap(hookerr.KindConnectFailed, "new session", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = client.Close()
		return nil, hookerr.Wrap(hookerr.KindConnectFailed, "stdin pipe", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = client.Close()
		return nil, hookerr.Wrap(hookerr.KindConnectFailed, "stdout pipe", err)
	}

	if err := session.Start("nix-store --serve --write"); err != nil {
		_ = client.Close()
		return nil, hookerr.Wrap(hookerr.KindConnectFailed, "start remote worker", err)
	}

	return &Session{client: client, session: session, Stdout: stdout, Stdin: stdin}, nil
}

// DialExternal shells out to a real ssh(1) binary instead of dialing with
// the Go library, grounded on the teacher's ExecutableFromString
// (str.ToArgv splits the configured command template into argv,
// PrepareForChildren groups the child so Close can kill the whole group
// rather than leaking an orphaned ssh and its own children). Selected by
// Connect when externalSSHEnv is set; useful when a site's ssh_config does
// things (ProxyCommand, agent forwarding) the library client can't
// reproduce.
func DialExternal(commandTemplate, hostName, identityFile string) (*Session, error) {
	argv := str.ToArgv(commandTemplate)
	if len(argv) == 0 {
		return nil, hookerr.New(hookerr.KindConnectFailed, "empty ssh command template")
	}
	args := append(append([]string{}, argv[1:]...), "-i", identityFile, hostName, "nix-store --serve --write")

	cmd := exec.Command(argv[0], args...)
	kill.PrepareForChildren(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, hookerr.Wrap(hookerr.KindConnectFailed, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, hookerr.Wrap(hookerr.KindConnectFailed, "stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, hookerr.Wrap(hookerr.KindConnectFailed, "start "+argv[0], err)
	}

	return &Session{cmd: cmd, Stdout: stdout, Stdin: stdin}, nil
}

func loadIdentity(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return signer, nil
}

// hostKeyCallback verifies against ~/.ssh/known_hosts, matching the
// layout the ecosystem's knownhosts package expects. When
// insecureSkipHostKeyCheck is set (main sets it only when NIX_DEBUG_HOOK
// is set) it falls back to accepting any host key — remotebuild.Run logs
// a warning when it connects this way, so it never happens silently.
func hostKeyCallback(insecureSkipHostKeyCheck bool) (ssh.HostKeyCallback, error) {
	if insecureSkipHostKeyCheck {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	kh, err := knownhosts.NewDB(filepath.Join(home, ".ssh", "known_hosts"))
	if err != nil {
		return nil, err
	}
	return kh.HostKeyCallback(), nil
}

// resolveAlias looks hostName up in the user's ~/.ssh/config (if any) for
// a Hostname/Port/User override, the way ssh(1) itself would when given a
// bare alias instead of a fully qualified host.
func resolveAlias(hostName string) (host, port, sshUser string) {
	host, port, sshUser = hostName, "22", currentUser()

	home, err := os.UserHomeDir()
	if err != nil {
		return host, port, sshUser
	}
	f, err := os.Open(filepath.Join(home, ".ssh", "config"))
	if err != nil {
		return host, port, sshUser
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return host, port, sshUser
	}

	if h := cfg.Get(hostName, "Hostname"); h != "" {
		host = h
	}
	if p := cfg.Get(hostName, "Port"); p != "" {
		port = p
	}
	if u := cfg.Get(hostName, "User"); u != "" {
		sshUser = u
	}
	return host, port, sshUser
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return "root"
	}
	return u.Username
}
