package remotebuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/nix-community/nix-build-remote-hook/pkg/hookerr"
	"github.com/nix-community/nix-build-remote-hook/pkg/utils"
)

// SFTPPusher is the default closure-copy implementation (spec §1's
// external collaborator, given a concrete body per SPEC_FULL.md): it opens
// an sftp subsystem session on the already-open ssh connection and copies
// each store path's file tree across, grounded on perkeep-perkeep's
// pkg/blobserver/sftp dialSFTP (same NewSession + RequestSubsystem("sftp")
// + sftp.NewClientPipe shape, reused here against a connection this
// package already holds open rather than dialing a fresh one).
type SFTPPusher struct {
	// RemoteStoreDir is where paths are copied to on the worker, mirroring
	// local store-path basenames (e.g. "/nix/store").
	RemoteStoreDir string
}

// Push copies each of paths from localStoreDir into RemoteStoreDir on the
// worker over an sftp session opened on client.
func (p *SFTPPusher) Push(ctx context.Context, client *ssh.Client, localStoreDir string, paths []string, sign bool) error {
	sess, err := client.NewSession()
	if err != nil {
		return hookerr.Wrap(hookerr.KindIOFatal, "open sftp session", err)
	}
	defer sess.Close()

	pw, err := sess.StdinPipe()
	if err != nil {
		return hookerr.Wrap(hookerr.KindIOFatal, "sftp stdin pipe", err)
	}
	pr, err := sess.StdoutPipe()
	if err != nil {
		return hookerr.Wrap(hookerr.KindIOFatal, "sftp stdout pipe", err)
	}
	if err := sess.RequestSubsystem("sftp"); err != nil {
		return hookerr.Wrap(hookerr.KindIOFatal, "request sftp subsystem", err)
	}

	sc, err := sftp.NewClientPipe(pr, pw)
	if err != nil {
		return hookerr.Wrap(hookerr.KindIOFatal, "sftp handshake", err)
	}
	defer sc.Close()

	remoteDir := p.RemoteStoreDir
	if remoteDir == "" {
		remoteDir = "/nix/store"
	}
	if err := sc.MkdirAll(remoteDir); err != nil {
		return hookerr.Wrap(hookerr.KindIOFatal, "mkdir remote store dir", err)
	}

	for _, storePath := range paths {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := copyPath(sc, localStoreDir, remoteDir, storePath); err != nil {
			return hookerr.Wrap(hookerr.KindIOFatal, "copy "+storePath, err)
		}
	}

	// sign is accepted but not used: the sftp copy transfers plain files
	// and signs nothing, whether or not a signing key exists.
	_ = sign

	return nil
}

func copyPath(sc *sftp.Client, localStoreDir, remoteDir, storePath string) error {
	base := filepath.Base(storePath)
	localPath := filepath.Join(localStoreDir, base)
	remotePath := path.Join(remoteDir, base)

	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}

	if info.IsDir() {
		return copyDir(sc, localPath, remotePath)
	}
	return copyFile(sc, localPath, remotePath, info.Mode())
}

func copyDir(sc *sftp.Client, localPath, remotePath string) error {
	if err := sc.MkdirAll(remotePath); err != nil {
		return err
	}
	entries, err := os.ReadDir(localPath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		childLocal := filepath.Join(localPath, entry.Name())
		childRemote := path.Join(remotePath, entry.Name())
		if entry.IsDir() {
			if err := copyDir(sc, childLocal, childRemote); err != nil {
				return err
			}
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if err := copyFile(sc, childLocal, childRemote, info.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(sc *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}

	dst, err := sc.Create(remotePath)
	if err != nil {
		utils.CloseMany([]io.Closer{src})
		return fmt.Errorf("create %s: %w", remotePath, err)
	}

	_, copyErr := io.Copy(dst, src)
	if err := utils.CloseMany([]io.Closer{src, dst}); err != nil {
		return fmt.Errorf("close %s: %w", remotePath, err)
	}
	if copyErr != nil {
		return fmt.Errorf("copy %s: %w", remotePath, copyErr)
	}
	return sc.Chmod(remotePath, mode)
}
