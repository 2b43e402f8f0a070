package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	defer func() {
		if db != nil {
			db.Close()
			db = nil
		}
	}()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestInitAndStatus(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STRONGBOX_PASSPHRASE", "correct horse battery staple")
	t.Setenv("STRONGBOX_LOG_LEVEL", "error")
	path := filepath.Join(t.TempDir(), "strongbox.db")

	out, err := execute(t, "--db", path, "init")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "registered account") {
		t.Errorf("init output = %q", out)
	}

	out, err = execute(t, "--db", path, "init")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if !strings.Contains(out, "already registered") {
		t.Errorf("second init output = %q", out)
	}

	out, err = execute(t, "--db", path, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"resume=beginning", "backups=0", "latest=none"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output = %q, want %q", out, want)
		}
	}
}

func TestInitRejectsShortPassphrase(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STRONGBOX_PASSPHRASE", "short")
	t.Setenv("STRONGBOX_LOG_LEVEL", "error")

	if _, err := execute(t, "--db", filepath.Join(t.TempDir(), "s.db"), "init"); err == nil {
		t.Error("init accepted a short passphrase")
	}
}

func TestVAPIDKeys(t *testing.T) {
	out, err := execute(t, "vapid-keys")
	if err != nil {
		t.Fatalf("vapid-keys: %v", err)
	}
	if !strings.Contains(out, "STRONGBOX_VAPID_PUBLIC_KEY=") || !strings.Contains(out, "STRONGBOX_VAPID_PRIVATE_KEY=") {
		t.Errorf("output = %q", out)
	}
}
