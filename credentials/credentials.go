// Package credentials loads fleet secrets from a locked-down TOML file with
// environment-variable fallback.
//
// Only three secrets exist: the backend service token, the relay shared
// secret and the account-bridge API pair used to provision new bots.
//
//	[backend]
//	service_token = "..."
//
//	[relay]
//	secret = "..."
//
//	[telegram]
//	api_id = "..."
//	api_hash = "..."
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when the file is readable by group or others.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Environment variables consulted when a value is absent from the file.
const (
	EnvServiceToken = "SERVICE_TOKEN"
	EnvRelaySecret  = "RELAY_SECRET"
	EnvAPIID        = "API_ID"
	EnvAPIHash      = "API_HASH"
)

// Credentials holds the fleet secrets.
type Credentials struct {
	Backend  BackendCreds  `toml:"backend"`
	Relay    RelayCreds    `toml:"relay"`
	Telegram TelegramCreds `toml:"telegram"`
}

// BackendCreds authenticates the supervisor to the backend API.
type BackendCreds struct {
	ServiceToken string `toml:"service_token"`
}

// RelayCreds is the shared secret callers present in X-API-KEY.
type RelayCreds struct {
	Secret string `toml:"secret"`
}

// TelegramCreds are the user-account API pair for the provisioning bridge.
type TelegramCreds struct {
	APIID   string `toml:"api_id"`
	APIHash string `toml:"api_hash"`
}

// StandardPaths returns the credential file locations in priority order.
func StandardPaths() []string {
	paths := []string{"credentials.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "botfleet", "credentials.toml"))
	}
	return paths
}

// Load reads the first credentials file found in StandardPaths. A missing
// file is not an error; the returned Credentials is then empty and every
// getter falls back to the environment.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			return creds, path, err
		}
	}
	return &Credentials{}, "", nil
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions unless the file mode is 0400.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &creds, nil
}

func pick(v, env string) string {
	if v != "" {
		return v
	}
	return os.Getenv(env)
}

// ServiceToken returns the backend service token.
func (c *Credentials) ServiceToken() string {
	if c == nil {
		return os.Getenv(EnvServiceToken)
	}
	return pick(c.Backend.ServiceToken, EnvServiceToken)
}

// RelaySecret returns the relay secret, defaulting to the service token.
func (c *Credentials) RelaySecret() string {
	var v string
	if c != nil {
		v = c.Relay.Secret
	}
	if s := pick(v, EnvRelaySecret); s != "" {
		return s
	}
	return c.ServiceToken()
}

// APIPair returns the provisioning bridge API id and hash.
func (c *Credentials) APIPair() (id, hash string) {
	var t TelegramCreds
	if c != nil {
		t = c.Telegram
	}
	return pick(t.APIID, EnvAPIID), pick(t.APIHash, EnvAPIHash)
}
