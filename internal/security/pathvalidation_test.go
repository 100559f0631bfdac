package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmp := t.TempDir()
	safe := filepath.Join(tmp, "safe")
	outside := filepath.Join(tmp, "outside")
	for _, d := range []string{safe, outside} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(safe, "link")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"new file", filepath.Join(safe, "backup.db"), false},
		{"nested", filepath.Join(safe, "a", "b", "c.db"), false},
		{"dir itself", safe, false},
		{"dot dot", filepath.Join(safe, "..", "outside", "x.db"), true},
		{"absolute elsewhere", "/etc/passwd", true},
		{"through symlink", filepath.Join(safe, "link", "x.db"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, safe)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePathWithinDirectory(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidateExportPath(t *testing.T) {
	if err := ValidateExportPath(filepath.Join(os.TempDir(), "spotspray-backup-1.db")); err != nil {
		t.Errorf("temp dir export rejected: %v", err)
	}
	if err := ValidateExportPath("backup.db"); err != nil {
		t.Errorf("relative export rejected: %v", err)
	}
	if err := ValidateExportPath("/proc/self/backup.db"); err == nil {
		t.Error("export outside temp and working dir accepted")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"3f9a1c2e-7b44-4a8e-9d3c-0c5e1f2a6b7d": "3f9a1c2e-7b44-4a8e-9d3c-0c5e1f2a6b7d",
		"../../etc/passwd":                     "etc_passwd",
		"a b  c":                               "a_b_c",
		"":                                     "unknown",
		"///":                                  "unknown",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
	if got := SanitizeFilename(strings.Repeat("x", 300)); len(got) != 128 {
		t.Errorf("long name length = %d, want 128", len(got))
	}
}
