package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/thankful-ai/ensproxy/internal/ens"
	"github.com/thankful-ai/ensproxy/internal/ensproxy"
	"github.com/thankful-ai/ensproxy/internal/intercept"
	"github.com/thankful-ai/ensproxy/internal/ipns"
	"github.com/thankful-ai/ensproxy/internal/report"
)

type Config struct {
	Log      ensproxy.LogConfig    `json:"log"`
	HTTP     HTTPConfig            `json:"http"`
	HTTPS    HTTPSConfig           `json:"https"`
	Admin    AdminConfig           `json:"admin"`
	Match    intercept.MatchConfig `json:"match"`
	ENS      ens.Config            `json:"ens"`
	IPNS     ipns.Config           `json:"ipns"`
	Gateways []string              `json:"gateways,omitempty"`
	Cache    CacheConfig           `json:"cache"`
	Settings SettingsConfig        `json:"settings"`
	Report   ReportConfig          `json:"report"`

	// Prewarm lists domains resolved at startup.
	Prewarm []string `json:"prewarm,omitempty"`

	// ForwardUpstream sends intercepted GET and HEAD requests on to their
	// original host and discards the response.
	ForwardUpstream bool `json:"forwardUpstream,omitempty"`

	// Upstream overrides where requests are forwarded. Empty means
	// intercepted hosts are forwarded to themselves and others get 421.
	Upstream string `json:"upstream,omitempty"`

	// MaxBodyBytes caps a substituted response. 0 means unlimited.
	MaxBodyBytes int64 `json:"maxBodyBytes,omitempty"`

	// Timeout bounds gateway fetches and upstream requests. 0 means 60s.
	Timeout ensproxy.Duration `json:"timeout,omitempty"`
}

type HTTPConfig struct {
	Port int `json:"port"`
}

// HTTPSConfig is optional. Certificates are issued for hosts matching the
// intercepted suffixes and cached in CertBucket or, if empty, CertDir.
type HTTPSConfig struct {
	Port       int    `json:"port,omitempty"`
	CertBucket string `json:"certBucket,omitempty"`
	CertDir    string `json:"certDir,omitempty"`
	Email      string `json:"email,omitempty"`
}

type AdminConfig struct {
	Port int `json:"port"`

	// Subnets restricts admin API access to specific prefixes, which
	// should all be on a private LAN. Empty means loopback only.
	Subnets []string `json:"subnets,omitempty"`
}

type CacheConfig struct {
	Records  ensproxy.CacheConfig `json:"records"`
	Pointers ensproxy.CacheConfig `json:"pointers"`
}

// SettingsConfig selects where user settings such as eth_rpc are read from.
// A Bucket takes precedence over a File.
type SettingsConfig struct {
	File   string `json:"file,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

type ReportConfig struct {
	Sentry report.Config `json:"sentry"`

	// Project enables Cloud Error Reporting for a Google Cloud project.
	Project string `json:"project,omitempty"`
}

// RequestTimeout returns the configured timeout or its default.
func (c Config) RequestTimeout() time.Duration {
	if c.Timeout == 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Timeout)
}

// ParseConfig reads and validates the JSON config at path. A missing match
// section intercepts .eth.limo hosts, and .limo is stripped whenever every
// suffix ends in it.
func ParseConfig(path string) (Config, error) {
	var conf Config
	byt, err := os.ReadFile(path)
	if err != nil {
		return conf, fmt.Errorf("read file: %w", err)
	}
	if err = json.Unmarshal(byt, &conf); err != nil {
		return conf, fmt.Errorf("unmarshal: %w", err)
	}
	if len(conf.Match.Suffixes) == 0 {
		conf.Match.Suffixes = []string{".eth.limo"}
	}
	if conf.Match.Strip == "" && allSuffixed(conf.Match.Suffixes, ".limo") {
		conf.Match.Strip = ".limo"
	}
	if err = conf.validate(); err != nil {
		return conf, fmt.Errorf("validate: %w", err)
	}
	return conf, nil
}

func (c Config) validate() error {
	if c.HTTP.Port == 0 {
		return errors.New("http port must be set")
	}
	if c.Admin.Port != 0 && c.Admin.Port == c.HTTP.Port {
		return errors.New("admin port must differ from http port")
	}
	if c.HTTPS.Port != 0 && c.HTTPS.CertBucket == "" &&
		c.HTTPS.CertDir == "" {

		return errors.New("https requires certBucket or certDir")
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("maxBodyBytes must not be negative")
	}
	for _, suffix := range c.Match.Suffixes {
		domain := strings.TrimSuffix(dotted(suffix),
			strings.ToLower(c.Match.Strip))
		if !strings.HasSuffix(domain, ".eth") {
			return fmt.Errorf("suffix %s leaves %s after strip %q, not a .eth name",
				suffix, domain, c.Match.Strip)
		}
	}
	return nil
}

func allSuffixed(suffixes []string, end string) bool {
	for _, s := range suffixes {
		if !strings.HasSuffix(dotted(s), end) {
			return false
		}
	}
	return true
}

// dotted lowercases s and gives it a leading dot, as the matcher does.
func dotted(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, ".") {
		s = "." + s
	}
	return s
}
