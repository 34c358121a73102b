// Package wire implements the worker-protocol framing the remote build
// driver speaks (spec §4.6): little-endian 64-bit integers, and strings
// framed as a 64-bit length followed by the bytes padded up to the next
// multiple of 8. This is the Nix worker-protocol convention; it is
// external to this hook's scope but the driver must honor it exactly, so
// it is factored into its own package the way the teacher keeps
// single-purpose protocol concerns (e.g. pkg/commands/ssh) in their own
// small file rather than inlined into the driver.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteUint64 writes n as a little-endian 64-bit unsigned integer.
func WriteUint64(w io.Writer, n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint64 reads a little-endian 64-bit unsigned integer.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read uint64: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// padLen returns how many bytes of padding bring n up to a multiple of 8.
func padLen(n int) int {
	rem := n % 8
	if rem == 0 {
		return 0
	}
	return 8 - rem
}

// WriteString writes s as a length-prefixed, zero-padded string.
func WriteString(w io.Writer, s string) error {
	if err := WriteUint64(w, uint64(len(s))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	pad := make([]byte, padLen(len(s)))
	_, err := w.Write(pad)
	return err
}

// ReadString reads a length-prefixed, zero-padded string.
func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read string body: %w", err)
	}
	pad := make([]byte, padLen(int(n)))
	if _, err := io.ReadFull(r, pad); err != nil {
		return "", fmt.Errorf("read string padding: %w", err)
	}
	return string(buf), nil
}

// WriteStringList writes a length-prefixed list of strings.
func WriteStringList(w io.Writer, items []string) error {
	if err := WriteUint64(w, uint64(len(items))); err != nil {
		return err
	}
	for _, item := range items {
		if err := WriteString(w, item); err != nil {
			return err
		}
	}
	return nil
}

// ReadStringList reads a length-prefixed list of strings.
func ReadStringList(r io.Reader) ([]string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, fmt.Errorf("read string list length: %w", err)
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := ReadString(r)
		if err != nil {
			return nil, fmt.Errorf("read string list item %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Command tags the driver uses against the worker (spec §4.6).
const (
	CmdExportPaths = 5
	CmdBuildPaths  = 6
)
