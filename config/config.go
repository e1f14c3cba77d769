// Package config loads and validates the immutable advertisement
// configuration. The file is read exactly once at startup, there is no
// hot-reload.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"regexp"
	"runtime"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// ErrNotFound is returned by Load when the configuration file does not exist.
var ErrNotFound = errors.New("configuration file not found")

// ParseError wraps a JSON decoding failure.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("malformed configuration: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// FieldError reports a field-level validation failure. Field holds the JSON
// name of the offending field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid configuration field %q: %s", e.Field, e.Reason)
}

// Share describes a single advertised file share. The share path is not
// checked against the filesystem, that is the file server's business.
type Share struct {
	Name    string `json:"name" koanf:"name"`
	Path    string `json:"path" koanf:"path"`
	Comment string `json:"comment" koanf:"comment"`
}

// Config is the validated description of what to advertise.
type Config struct {
	ServiceName  string  `json:"service_name" koanf:"service_name"`
	InstanceName string  `json:"instance_name" koanf:"instance_name"`
	Port         int     `json:"port" koanf:"port"`
	Hostname     string  `json:"hostname" koanf:"hostname"`
	Workgroup    string  `json:"workgroup" koanf:"workgroup"`
	Description  string  `json:"description" koanf:"description"`
	BindAddress  string  `json:"bind_address,omitempty" koanf:"bind_address"`
	Backend      string  `json:"backend,omitempty" koanf:"backend"`
	Shares       []Share `json:"shares" koanf:"shares"`
}

// serviceTypeRe matches fully-qualified DNS-SD service types such as
// "_smb._tcp.local." or "_nfs._udp.local.".
var serviceTypeRe = regexp.MustCompile(`^_[A-Za-z0-9-]+\._(tcp|udp)\.local\.$`)

// Default returns the stock SMB advertisement configuration, used to seed the
// config file on install.
func Default() *Config {
	return &Config{
		ServiceName:  "_smb._tcp.local.",
		InstanceName: "Windows-Share",
		Port:         445,
		Hostname:     "windows-pc.local.",
		Workgroup:    "WORKGROUP",
		Description:  "SMB share advertised via DNS-SD",
		Backend:      "builtin",
		Shares: []Share{
			{Name: "Public", Path: "C:\\Users\\Public\\Documents", Comment: "Public shared folder"},
		},
	}
}

// DefaultPath returns the fixed per-OS configuration file location.
func DefaultPath() string {
	if runtime.GOOS == "windows" {
		return `C:\ProgramData\ShareAnnounce\config.json`
	}
	return "/etc/shareannounce/config.json"
}

// Load reads, decodes and validates the configuration at path.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, &ParseError{Err: err}
	}
	return unmarshal(k)
}

// LoadBytes decodes and validates a raw JSON configuration document.
func LoadBytes(raw []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), kjson.Parser()); err != nil {
		return nil, &ParseError{Err: err}
	}
	return unmarshal(k)
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, &ParseError{Err: err}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration as indented JSON. The document must validate,
// so a saved file always loads back.
func (c *Config) Save(path string) error {
	if err := c.validate(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

// validate applies the field rules in order, first failure wins. It also
// normalizes the hostname to a fully-qualified .local. name and fills the
// backend default, so a validated Config is ready to advertise as-is.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &FieldError{Field: "port", Reason: fmt.Sprintf("must be in [1, 65535], got %d", c.Port)}
	}

	if c.Hostname == "" {
		return &FieldError{Field: "hostname", Reason: "cannot be empty"}
	}
	// A hostname without the .local suffix is corrected rather than rejected,
	// configs written for older releases carry whatever name the machine has,
	// multi-label and underscored ones included.
	host := strings.TrimSuffix(c.Hostname, ".")
	host = strings.TrimSuffix(host, ".local")
	c.Hostname = host + ".local."

	if !serviceTypeRe.MatchString(c.ServiceName) {
		return &FieldError{Field: "service_name", Reason: `must match "_<label>._tcp.local." or "_<label>._udp.local."`}
	}

	if c.InstanceName == "" {
		return &FieldError{Field: "instance_name", Reason: "cannot be empty"}
	}
	if len(c.InstanceName) > 63 {
		return &FieldError{Field: "instance_name", Reason: "exceeds the 63 byte DNS-SD label limit"}
	}

	for i, share := range c.Shares {
		if share.Name == "" {
			return &FieldError{Field: fmt.Sprintf("shares[%d].name", i), Reason: "cannot be empty"}
		}
	}

	if c.BindAddress != "" {
		addr, err := netip.ParseAddr(c.BindAddress)
		if err != nil || !addr.Is4() {
			return &FieldError{Field: "bind_address", Reason: fmt.Sprintf("%q is not an IPv4 literal", c.BindAddress)}
		}
	}

	switch c.Backend {
	case "":
		c.Backend = "builtin"
	case "builtin", "avahi", "dnssd":
	default:
		return &FieldError{Field: "backend", Reason: fmt.Sprintf("unknown discovery backend %q", c.Backend)}
	}

	return nil
}
