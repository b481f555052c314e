// Package version holds build information and release comparisons.
package version

import (
	"fmt"
	"runtime"

	goversion "github.com/hashicorp/go-version"
)

var (
	// Version is the release of the binary, set with -ldflags.
	Version = "0.1.0"
	// BuildDate is the build date
	BuildDate = "unknown"
	// GitCommit is the git commit hash
	GitCommit = "unknown"
)

// Info holds version information
type Info struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns version information
func Get() Info {
	return Info{
		Version:   Version,
		BuildDate: BuildDate,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func (i Info) String() string {
	return fmt.Sprintf("schemaguard version %s (%s %s)", i.Version, i.Platform, i.GoVersion)
}

// FullString returns a detailed version string
func (i Info) FullString() string {
	return fmt.Sprintf(`schemaguard version %s
Build Date: %s
Git Commit: %s
Platform: %s
Go Version: %s`, i.Version, i.BuildDate, i.GitCommit, i.Platform, i.GoVersion)
}

// UpdateAvailable reports whether latest is a newer release than current.
func UpdateAvailable(current, latest string) (bool, error) {
	cur, err := goversion.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("invalid version format: %w", err)
	}
	lat, err := goversion.NewVersion(latest)
	if err != nil {
		return false, fmt.Errorf("invalid latest version format: %w", err)
	}
	return cur.LessThan(lat), nil
}

// Satisfies reports whether v meets a constraint such as ">= 0.1, < 1.0".
func Satisfies(v, constraint string) (bool, error) {
	parsed, err := goversion.NewVersion(v)
	if err != nil {
		return false, fmt.Errorf("invalid version format: %w", err)
	}
	c, err := goversion.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("invalid constraint: %w", err)
	}
	return c.Check(parsed), nil
}
