// Package env suppresses interactive SSH prompts before the hook touches
// any network connection (spec §4.6 step 1, §6).
package env

import "os"

// Neutralize clears DISPLAY and SSH_ASKPASS so a misconfigured or
// interactive ssh never blocks the hook on a terminal prompt it has no
// terminal to show. Whether downstream ssh honors this reliably on every
// platform is not something this package verifies (spec §9 open question);
// it only asserts the intent.
func Neutralize() error {
	if err := os.Setenv("DISPLAY", ""); err != nil {
		return err
	}
	return os.Setenv("SSH_ASKPASS", "")
}
