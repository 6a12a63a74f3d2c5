package pairing

import (
	"errors"
	"strings"
	"time"
)

const (
	defaultOpenTimeout     = 30 * time.Second
	defaultCallTimeout     = 30 * time.Second
	defaultMetadataTimeout = 10 * time.Second
	defaultDownloadPrefix  = "/download/"

	placeholderName = "unknown"
)

// Config holds the Registry's session settings.
type Config struct {
	// SessionsDir holds one credentials directory per session id.
	SessionsDir string

	// CountryCode is prepended to phone numbers during normalization. Empty disables it.
	CountryCode string

	// CodeTTL bounds pairing-code validity.
	CodeTTL time.Duration

	// OpenTimeout bounds Connector.Open; CallTimeout bounds RequestCode.
	OpenTimeout time.Duration
	CallTimeout time.Duration

	// MetadataTimeout bounds best-effort metadata gathering after connect.
	MetadataTimeout time.Duration

	// DownloadPrefix is joined with the session id to advertise the archive URL.
	DownloadPrefix string
}

func (c Config) withDefaults() (Config, error) {
	c.SessionsDir = strings.TrimSpace(c.SessionsDir)
	if c.SessionsDir == "" {
		return c, errors.New("pairing: empty sessions dir")
	}
	c.CountryCode = onlyDigits(c.CountryCode)
	if strings.HasPrefix(c.CountryCode, "0") {
		return c, errors.New("pairing: country code must not start with 0")
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = defaultOpenTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.MetadataTimeout <= 0 {
		c.MetadataTimeout = defaultMetadataTimeout
	}
	if c.DownloadPrefix == "" {
		c.DownloadPrefix = defaultDownloadPrefix
	}
	return c, nil
}
