package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return path
}

func TestLoadEnvReadsCredentials(t *testing.T) {
	for _, key := range []string{"OKX_API_KEY", "OKX_API_SECRET", "OKX_PASSPHRASE", "ORACLE_API_KEY"} {
		unsetEnv(t, key)
	}
	path := writeEnvFile(t, ""+
		"# exchange credentials\n"+
		"OKX_API_KEY=key-1\n"+
		"export OKX_API_SECRET=\"s3cr3t\"\n"+
		"OKX_PASSPHRASE='pass phrase'\n"+
		"ORACLE_API_KEY=\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	want := map[string]string{
		"OKX_API_KEY":    "key-1",
		"OKX_API_SECRET": "s3cr3t",
		"OKX_PASSPHRASE": "pass phrase",
		"ORACLE_API_KEY": "",
	}
	for key, val := range want {
		if got := os.Getenv(key); got != val {
			t.Fatalf("%s expected %q, got %q", key, val, got)
		}
	}
}

func TestLoadEnvKeepsProcessValues(t *testing.T) {
	t.Setenv("OKX_API_KEY", "from-shell")
	path := writeEnvFile(t, "OKX_API_KEY=from-file\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("OKX_API_KEY"); got != "from-shell" {
		t.Fatalf("expected shell value to win, got %q", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	if old, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}
