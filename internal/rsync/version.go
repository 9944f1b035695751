package rsync

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

// ProgressConstraint is the first rsync release knowing --info=progress2.
const ProgressConstraint = ">= 3.1.0"

var ErrUnsupportedVersion = errors.New("unsupported rsync version")

var versionRx = regexp.MustCompile(`version\s+v?(\d+\.\d+(?:\.\d+)?)`)

// ParseVersion extracts the version from the output of rsync --version.
func ParseVersion(out string) (*semver.Version, error) {
	m := versionRx.FindStringSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("no version found in %q", firstLine(out))
	}
	v, err := semver.NewVersion(m[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", m[1], err)
	}
	return v, nil
}

// Version runs binary --version and returns the reported version.
func Version(ctx context.Context, binary string) (*semver.Version, error) {
	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s --version: %w", binary, err)
	}
	return ParseVersion(string(out))
}

// CheckVersion verifies that binary satisfies the semver constraint.
func CheckVersion(ctx context.Context, binary, constraint string) error {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid constraint %q: %w", constraint, err)
	}
	v, err := Version(ctx, binary)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s is %s, need %s", ErrUnsupportedVersion, binary, v, constraint)
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
