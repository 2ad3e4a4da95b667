// Package versions reports build information for the sf311-sync binary.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const unknownStr = "unknown"

// Build information set with -ldflags
var (
	// Version is the release version
	Version = "dev"
	// Commit is the git commit hash of the build
	Commit = unknownStr
	// BuildDate is the date when the binary was built
	BuildDate = unknownStr
)

// VersionInfo represents the version information
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the version information
func GetVersionInfo() VersionInfo {
	return versionInfo(Version, Commit, BuildDate, readVCSSettings)
}

// UserAgent is sent with every request to the open data portal
func UserAgent() string {
	return "sf311-sync/" + GetVersionInfo().Version
}

func readVCSSettings() map[string]string {
	settings := map[string]string{}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return settings
	}
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	return settings
}

func versionInfo(version, commit, buildDate string, vcs func() map[string]string) VersionInfo {
	if strings.HasPrefix(version, "dev") {
		settings := vcs()
		if commit == unknownStr && settings["vcs.revision"] != "" {
			commit = settings["vcs.revision"]
		}
		if buildDate == unknownStr && settings["vcs.time"] != "" {
			buildDate = settings["vcs.time"]
		}
	}

	if buildDate != unknownStr {
		if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
			buildDate = t.UTC().Format("2006-01-02 15:04:05 MST")
		}
	}

	// Unreleased builds are named after their commit
	if version == "dev" {
		version = fmt.Sprintf("build-%.*s", 8, commit)
	}

	return VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
