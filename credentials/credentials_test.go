package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeCreds(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.toml")
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStandardPaths(t *testing.T) {
	paths := StandardPaths()
	if len(paths) == 0 || paths[0] != "credentials.toml" {
		t.Errorf("first path should be credentials.toml, got %v", paths)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeCreds(t, `
[backend]
service_token = "svc-123"

[relay]
secret = "relay-456"

[telegram]
api_id = "111"
api_hash = "abc"
`, 0400)

	creds, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := creds.ServiceToken(); got != "svc-123" {
		t.Errorf("ServiceToken = %q", got)
	}
	if got := creds.RelaySecret(); got != "relay-456" {
		t.Errorf("RelaySecret = %q", got)
	}
	id, hash := creds.APIPair()
	if id != "111" || hash != "abc" {
		t.Errorf("APIPair = %q %q", id, hash)
	}
}

func TestRelaySecretDefaultsToServiceToken(t *testing.T) {
	t.Setenv(EnvRelaySecret, "")
	creds := &Credentials{Backend: BackendCreds{ServiceToken: "svc"}}
	if got := creds.RelaySecret(); got != "svc" {
		t.Errorf("RelaySecret = %q, want svc", got)
	}
}

func TestEnvFallback(t *testing.T) {
	t.Setenv(EnvServiceToken, "env-svc")
	t.Setenv(EnvRelaySecret, "env-relay")
	t.Setenv(EnvAPIID, "999")
	t.Setenv(EnvAPIHash, "hash")

	var creds *Credentials
	if got := creds.ServiceToken(); got != "env-svc" {
		t.Errorf("nil ServiceToken = %q", got)
	}
	if got := creds.RelaySecret(); got != "env-relay" {
		t.Errorf("nil RelaySecret = %q", got)
	}
	id, hash := (&Credentials{}).APIPair()
	if id != "999" || hash != "hash" {
		t.Errorf("APIPair = %q %q", id, hash)
	}

	// File values win over env.
	creds = &Credentials{Backend: BackendCreds{ServiceToken: "file"}}
	if got := creds.ServiceToken(); got != "file" {
		t.Errorf("ServiceToken = %q, want file", got)
	}
}

func TestLoadFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission check is unix-only")
	}
	path := writeCreds(t, "[backend]\nservice_token = \"x\"\n", 0644)

	_, err := LoadFile(path)
	if !errors.Is(err, ErrInsecurePermissions) {
		t.Errorf("err = %v, want ErrInsecurePermissions", err)
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := writeCreds(t, "[backend\n", 0400)
	if _, err := LoadFile(path); err == nil {
		t.Error("expected decode error")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}
