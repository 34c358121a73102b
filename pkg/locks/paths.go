package locks

import (
	"path/filepath"
	"strconv"
	"strings"
)

// MainLockPath returns $stateDir/main-lock (spec §3, §6).
func MainLockPath(stateDir string) string {
	return filepath.Join(stateDir, "main-lock")
}

// UploadLockPath returns $stateDir/<hostName>.upload-lock (spec §3, §6).
func UploadLockPath(stateDir, hostName string) string {
	return filepath.Join(stateDir, hostName+".upload-lock")
}

// SlotLockPath returns $stateDir/<joinedSystems>-<hostName>-<slot> (spec
// §3, §6). joinedSystems is the machine's system types joined with "+",
// mirroring the directory listing example in §6
// ("<systemA+systemB>-<host>-<slotIndex>").
func SlotLockPath(stateDir string, systemTypes []string, hostName string, slot int) string {
	return filepath.Join(stateDir, joinSystems(systemTypes)+"-"+hostName+"-"+strconv.Itoa(slot))
}

func joinSystems(systemTypes []string) string {
	return strings.Join(systemTypes, "+")
}
