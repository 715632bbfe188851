package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"
)

func stubBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	old := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	t.Cleanup(func() { readBuildInfo = old })
}

func setLinkerVars(t *testing.T, version, commit, date string) {
	t.Helper()
	oldV, oldC, oldD := Version, GitCommit, BuildDate
	Version, GitCommit, BuildDate = version, commit, date
	t.Cleanup(func() { Version, GitCommit, BuildDate = oldV, oldC, oldD })
}

func TestGet(t *testing.T) {
	stamped := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/smazurov/m2menc", Version: "v0.4.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-09-30T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	tests := []struct {
		name       string
		ldflags    [3]string
		build      *debug.BuildInfo
		wantVer    string
		wantCommit string
		wantString string
	}{
		{
			name:       "ldflags win",
			ldflags:    [3]string{"1.2.3", "abc123", "2026-10-01"},
			build:      stamped,
			wantVer:    "1.2.3",
			wantCommit: "abc123",
			wantString: "m2menc 1.2.3 (commit abc123-dirty, built 2026-10-01, ",
		},
		{
			name:       "build info fallback",
			ldflags:    [3]string{"dev", "unknown", "unknown"},
			build:      stamped,
			wantVer:    "v0.4.1",
			wantCommit: "0123456789abcdef0123",
			wantString: "m2menc v0.4.1 (commit 0123456789ab-dirty, built 2026-09-30T12:00:00Z, ",
		},
		{
			name:       "devel build",
			ldflags:    [3]string{"dev", "unknown", "unknown"},
			build:      &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}},
			wantVer:    "dev",
			wantCommit: "unknown",
			wantString: "m2menc dev (commit unknown, built unknown, ",
		},
		{
			name:       "no build info",
			ldflags:    [3]string{"dev", "unknown", "unknown"},
			wantVer:    "dev",
			wantCommit: "unknown",
			wantString: "m2menc dev (commit unknown, built unknown, ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setLinkerVars(t, tt.ldflags[0], tt.ldflags[1], tt.ldflags[2])
			stubBuildInfo(t, tt.build)

			info := Get()
			if info.Version != tt.wantVer || String() != tt.wantVer {
				t.Errorf("version = %q, String() = %q, want %q", info.Version, String(), tt.wantVer)
			}
			if info.GitCommit != tt.wantCommit {
				t.Errorf("commit = %q, want %q", info.GitCommit, tt.wantCommit)
			}
			if info.GoVersion != runtime.Version() {
				t.Errorf("go version = %q", info.GoVersion)
			}
			if s := info.String(); !strings.HasPrefix(s, tt.wantString) || !strings.HasSuffix(s, info.Platform+")") {
				t.Errorf("String() = %q, want prefix %q", s, tt.wantString)
			}
		})
	}
}
