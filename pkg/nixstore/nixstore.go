// Package nixstore implements the two local-store collaborators spec §1
// calls out of scope for the dispatch logic itself and specifies only by
// interface: the local path validity oracle and the output import routine.
// Both shell out to the nix-store CLI rather than linking libstore, the
// same arm's-length relationship the hook has with ssh and sftp elsewhere
// in this module.
package nixstore

import (
	"context"
	"io"
	"os/exec"
)

// Valid is a remotebuild.ValidityOracle backed by `nix-store
// --check-validity`, which exits zero iff the given path is valid in the
// local store. A lookup failure (binary missing, store unreachable) is
// treated as "not valid" — the conservative answer, since it only costs a
// redundant import rather than skipping a needed one. The oracle takes no
// context of its own: spec §1 defines it as a synchronous local query,
// not a blocking network operation like the closure push or import.
func Valid(storePath string) bool {
	return exec.Command("nix-store", "--check-validity", storePath).Run() == nil
}

// Import runs `nix-store --import`, feeding it the export stream the
// worker writes back after an exportPaths request (spec §4.6 step 9).
func Import(ctx context.Context, fromWorker io.Reader) error {
	cmd := exec.CommandContext(ctx, "nix-store", "--import")
	cmd.Stdin = fromWorker
	return cmd.Run()
}
