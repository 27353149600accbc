// Package settings reads the upload configuration: where the backend lives,
// which index to write to and how to authenticate. The file is re-read on
// every upload cycle so edits take effect without a restart.
package settings

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/sensordump/safeio"
)

// Settings is one snapshot of the upload configuration.
type Settings struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	SSL       bool   `json:"ssl"`
	Index     string `json:"index"`
	Type      string `json:"type"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	IndexDate bool   `json:"index_date"`
	Compress  bool   `json:"compress"`
}

// Defaults returns the configuration used for any key the file omits.
func Defaults() Settings {
	return Settings{
		Host:  "localhost",
		Port:  9200,
		Index: "test_index",
		Type:  "esd",
	}
}

// FromMap builds Settings from flat string values, starting from Defaults.
// Unknown keys are ignored; empty values keep the default.
func FromMap(m map[string]string) (Settings, error) {
	s := Defaults()
	for k, v := range m {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch k {
		case "host":
			s.Host = v
		case "port":
			p, err := strconv.Atoi(v)
			if err != nil || p <= 0 || p > 65535 {
				return Settings{}, fmt.Errorf("settings: invalid port %q", v)
			}
			s.Port = p
		case "ssl", "index_date", "compress":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return Settings{}, fmt.Errorf("settings: invalid %s %q: %w", k, v, err)
			}
			switch k {
			case "ssl":
				s.SSL = b
			case "index_date":
				s.IndexDate = b
			default:
				s.Compress = b
			}
		case "index":
			s.Index = v
		case "type":
			s.Type = v
		case "username":
			s.Username = v
		case "password":
			s.Password = v
		}
	}
	return s, nil
}

// Validate checks the fields that end up in URLs.
func (s Settings) Validate() error {
	if err := safeio.ValidateHost(s.Host); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	if err := safeio.ValidateIndexName(s.Index); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	if err := safeio.ValidateIdentifier(s.Type); err != nil {
		return fmt.Errorf("settings: type: %w", err)
	}
	return nil
}

// BaseURL returns scheme://host:port.
func (s Settings) BaseURL() string {
	scheme := "http"
	if s.SSL {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(strings.Trim(s.Host, "[]"), strconv.Itoa(s.Port))
}

// IndexName returns the index, suffixed with -YYYYMMDD of now when IndexDate
// is set.
func (s Settings) IndexName(now time.Time) string {
	if !s.IndexDate {
		return s.Index
	}
	return s.Index + "-" + now.Format("20060102")
}

// HasCredentials reports whether both username and password are set.
func (s Settings) HasCredentials() bool {
	return s.Username != "" && s.Password != ""
}

// Redacted returns a copy with the password masked, for display.
func (s Settings) Redacted() Settings {
	if s.Password != "" {
		s.Password = "********"
	}
	return s
}

// Loader yields the current settings.
type Loader interface {
	Load() (Settings, error)
}

// Static always returns the same settings.
type Static Settings

// Load implements Loader.
func (s Static) Load() (Settings, error) { return Settings(s), nil }

// FileStore reads settings from a flat YAML file of scalar values:
//
//	host: es.local
//	port: 9200
//	ssl: false
//	index: sensors
//	index_date: true
type FileStore struct {
	Path string
}

// Load re-reads the file. A missing file yields Defaults.
func (f FileStore) Load() (Settings, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("settings: read %s: %w", f.Path, err)
	}
	return Parse(data)
}

// Parse decodes a flat YAML document into Settings.
func Parse(data []byte) (Settings, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Settings{}, fmt.Errorf("settings: parse: %w", err)
	}
	m := make(map[string]string, len(raw))
	for k, n := range raw {
		if n.Kind != yaml.ScalarNode {
			return Settings{}, fmt.Errorf("settings: key %q must be a scalar", k)
		}
		m[k] = n.Value
	}
	return FromMap(m)
}
