package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/adrg/xdg"
	"github.com/google/uuid"

	cfg "mdm/internal/config"
)

func withTempConfigHome(t *testing.T) (restore func(), dir string, file string) {
	t.Helper()
	orig := xdg.ConfigHome
	dir = t.TempDir()
	xdg.ConfigHome = dir
	restore = func() { xdg.ConfigHome = orig }
	file = filepath.Join(dir, "mdm")
	return
}

func TestGetConfig_Table(t *testing.T) {
	restore, _, cfgFile := withTempConfigHome(t)
	defer restore()

	def := cfg.DefaultConfig()

	tests := []struct {
		name      string
		preWrite  bool
		contents  string
		expectErr bool
		check     func(t *testing.T, got *cfg.Config, def cfg.Config)
	}{
		{
			name:     "missing_file_returns_defaults",
			preWrite: false,
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if !reflect.DeepEqual(*got, def) {
					t.Fatalf("expected defaults\nwant: %#v\ngot:  %#v", def, *got)
				}
			},
		},
		{
			name:     "empty_file_returns_defaults",
			preWrite: true,
			contents: "",
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if !reflect.DeepEqual(*got, def) {
					t.Fatalf("expected defaults\nwant: %#v\ngot:  %#v", def, *got)
				}
			},
		},
		{
			name:      "invalid_yaml_returns_error",
			preWrite:  true,
			contents:  ": not yaml",
			expectErr: true,
			check:     func(t *testing.T, _ *cfg.Config, _ cfg.Config) {},
		},
		{
			name:     "no_subconfigs_uses_defaults_for_nested",
			preWrite: true,
			contents: "downloadDir: /media/library\n",
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if got.DownloadDir != "/media/library" {
					t.Fatalf("downloadDir not applied, got %q", got.DownloadDir)
				}
				if !reflect.DeepEqual(*got.Progressive, *def.Progressive) {
					t.Fatalf("progressive defaults not applied\nwant: %#v\ngot:  %#v", *def.Progressive, *got.Progressive)
				}
				if !reflect.DeepEqual(*got.Segmented, *def.Segmented) {
					t.Fatalf("segmented defaults not applied\nwant: %#v\ngot:  %#v", *def.Segmented, *got.Segmented)
				}
			},
		},
		{
			name:     "partial_override_and_fallback",
			preWrite: true,
			contents: `
downloadDir: /media/library
segmented:
  connections: 8
`,
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if got.DownloadDir != "/media/library" {
					t.Fatalf("want downloadDir=/media/library got %q", got.DownloadDir)
				}
				if got.Segmented.Connections != 8 {
					t.Fatalf("want segmented.connections=8 got %d", got.Segmented.Connections)
				}
				if got.Segmented.AssetDir != def.Segmented.AssetDir {
					t.Fatalf("want segmented.assetDir default %q got %q", def.Segmented.AssetDir, got.Segmented.AssetDir)
				}
				if got.Progressive.TempDir != def.Progressive.TempDir {
					t.Fatalf("want progressive.tempDir default %q got %q", def.Progressive.TempDir, got.Progressive.TempDir)
				}
				if got.StateDir != def.StateDir {
					t.Fatalf("want stateDir default %q got %q", def.StateDir, got.StateDir)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Remove(cfgFile)

			if tt.preWrite {
				if err := os.WriteFile(cfgFile, []byte(tt.contents), 0o644); err != nil {
					t.Fatalf("failed to write config file: %v", err)
				}
			}

			got, err := cfg.GetConfig()
			if tt.expectErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}

				return
			}

			if err != nil {
				t.Fatalf("GetConfig returned error: %v", err)
			}

			tt.check(t, got, def)
		})
	}
}

func TestEnsureSessionID(t *testing.T) {
	dir := t.TempDir()

	first, err := cfg.EnsureSessionID(dir)
	if err != nil {
		t.Fatalf("EnsureSessionID failed: %v", err)
	}

	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("session ID %q is not a UUID: %v", first, err)
	}

	second, err := cfg.EnsureSessionID(dir)
	if err != nil {
		t.Fatalf("second EnsureSessionID failed: %v", err)
	}

	if first != second {
		t.Fatalf("session ID not stable: %q vs %q", first, second)
	}
}

func TestEnsureSessionID_ReplacesGarbage(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "session"), []byte("not a uuid"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := cfg.EnsureSessionID(dir)
	if err != nil {
		t.Fatalf("EnsureSessionID failed: %v", err)
	}

	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("replacement session ID %q is not a UUID: %v", id, err)
	}
}
