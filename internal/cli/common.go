package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/orizon-lang/meshwire/internal/runtime/remote"
)

// Version information for all CLI tools
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	CommitSHA = "unknown" // set with -ldflags "-X"
)

// VersionInfo contains version and build information
type VersionInfo struct {
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version"`
	BuildDate       string `json:"build_date"`
	CommitSHA       string `json:"commit_sha"`
	GoVersion       string `json:"go_version"`
	Platform        string `json:"platform"`
	Arch            string `json:"arch"`
}

// GetVersionInfo returns structured version information
func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Version:         Version,
		ProtocolVersion: remote.ProtocolVersion.String(),
		BuildDate:       BuildDate,
		CommitSHA:       CommitSHA,
		GoVersion:       runtime.Version(),
		Platform:        runtime.GOOS,
		Arch:            runtime.GOARCH,
	}
}

// PrintVersion prints version information in a consistent format
func PrintVersion(w io.Writer, toolName string, jsonOutput bool) {
	info := GetVersionInfo()

	if jsonOutput {
		data, err := json.MarshalIndent(map[string]interface{}{
			"tool":         toolName,
			"version_info": info,
		}, "", "  ")
		if err == nil {
			fmt.Fprintln(w, string(data))
			return
		}
		fmt.Fprintf(os.Stderr, "Error: Failed to marshal version info to JSON: %v\n", err)
	}

	fmt.Fprintf(w, "%s v%s (protocol %s)\n", toolName, info.Version, info.ProtocolVersion)
	fmt.Fprintf(w, "Build Date: %s\n", info.BuildDate)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Fprintf(w, "Commit: %s\n", info.CommitSHA)
	}
	fmt.Fprintf(w, "Go Version: %s\n", info.GoVersion)
	fmt.Fprintf(w, "Platform: %s/%s\n", info.Platform, info.Arch)
}

// ExitWithError prints an error message and exits with code 1
func ExitWithError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// NewLogger builds a slog logger writing to w. format is "json" or "text".
func NewLogger(w io.Writer, level slog.Leveler, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// InitLogger installs a JSON logger on stderr as the slog default. The
// returned LevelVar adjusts the level later, e.g. on config reload.
func InitLogger(level slog.Level) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(level)
	logger := NewLogger(os.Stderr, lv, "json")
	slog.SetDefault(logger)
	return logger, lv
}
