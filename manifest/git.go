package manifest

import (
	"fmt"
	"os/exec"
	"strings"
)

// runGit runs one git command in dir ("" for the working directory)
// and returns its trimmed combined output.
func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// gitClone materializes a module source checkout at dest.
func gitClone(url, dest string) error {
	if _, err := runGit("", "clone", "--quiet", url, dest); err != nil {
		return fmt.Errorf("cloning module source %s: %w", url, err)
	}
	return nil
}

// gitCheckout pins a module checkout to a tag, branch, or commit.
func gitCheckout(dir, ref string) error {
	if _, err := runGit(dir, "checkout", "--quiet", ref); err != nil {
		return fmt.Errorf("pinning %s to %s: %w", dir, ref, err)
	}
	return nil
}

// gitFetch refreshes tags and branches before a checkout is re-pinned.
func gitFetch(dir string) error {
	if _, err := runGit(dir, "fetch", "--quiet", "--all", "--tags"); err != nil {
		return fmt.Errorf("refreshing module checkout %s: %w", dir, err)
	}
	return nil
}

// gitCurrentCommit reports the commit a checkout sits on, recorded in
// the lock file.
func gitCurrentCommit(dir string) (string, error) {
	return runGit(dir, "rev-parse", "HEAD")
}

// gitIsClean reports whether a module checkout carries local edits.
func gitIsClean(dir string) (bool, error) {
	out, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}
