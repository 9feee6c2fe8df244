package commons

import (
	"encoding/json"
	"runtime"

	"golang.org/x/xerrors"
)

var (
	serviceVersion string = "v0.0.0"
	gitCommit      string
	buildDate      string
)

// VersionInfo is the build information, set with -ldflags at build time
type VersionInfo struct {
	ServiceVersion string `json:"serviceVersion"`
	GitCommit      string `json:"gitCommit"`
	BuildDate      string `json:"buildDate"`
	GoVersion      string `json:"goVersion"`
	Compiler       string `json:"compiler"`
	Platform       string `json:"platform"`
}

// GetVersion returns VersionInfo
func GetVersion() VersionInfo {
	return VersionInfo{
		ServiceVersion: serviceVersion,
		GitCommit:      gitCommit,
		BuildDate:      buildDate,
		GoVersion:      runtime.Version(),
		Compiler:       runtime.Compiler,
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// GetVersionJSON returns VersionInfo in JSON
func GetVersionJSON() (string, error) {
	info := GetVersion()
	marshalled, err := json.MarshalIndent(&info, "", "  ")
	if err != nil {
		return "", xerrors.Errorf("failed to marshal version info: %w", err)
	}
	return string(marshalled), nil
}
