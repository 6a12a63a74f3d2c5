package app

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
)

// credentialsDirMode is required for the sessions directory: it holds live account keys.
const credentialsDirMode fs.FileMode = 0o700

// ValidateSecurityConfig enforces pairgate's startup security policy.
//
// Fail-fast: dev endpoints complete pairings without the phone, so they are refused on a
// public listener unless PAIRGATE_DEV_ALLOW_PUBLIC is set.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.DevEndpoints {
		if cfg.Connector != ConnectorLoopback && cfg.Connector != ConnectorLoopbackPoll {
			return fmt.Errorf("security policy: dev endpoints need the loopback connector (got %q)", cfg.Connector)
		}
		if !cfg.DevAllowPublic && !isLoopbackAddr(cfg.HTTPAddr) {
			return fmt.Errorf("security policy: PAIRGATE_DEV_ENDPOINTS=true on non-loopback address %q", cfg.HTTPAddr)
		}
	}
	return nil
}

// ensurePrivateDir creates dir with owner-only permissions and tightens an existing one.
func ensurePrivateDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("security policy: empty directory path")
	}
	if err := os.MkdirAll(dir, credentialsDirMode); err != nil {
		return err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("security policy: %s is not a directory", dir)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return os.Chmod(dir, credentialsDirMode)
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
