// Package config loads the manager's static configuration from a TOML
// file: the host roster, the module catalogue, and the user blacklist. A
// module name that does not match "<class>-<role>-<tag>" with role in
// {server, client, peer} is rejected at load time, before the manager
// ever sees it.
//
// Grounded on minimega's use of github.com/BurntSushi/toml for its own
// config loading idiom (minimega's cmd/minimega config, adapted here since
// minimega's own cmd/minimega package reads flags rather than a file).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/fpemud/selfnetd/internal/module"
)

// fileConfig mirrors the TOML document shape directly; Config post-processes
// it into the typed, validated form the manager consumes.
type fileConfig struct {
	SelfName      string          `toml:"self_name"`
	Hosts         []hostEntry     `toml:"hosts"`
	UserBlacklist []string        `toml:"user_blacklist"`
	Modules       []moduleSection `toml:"modules"`
}

// hostEntry names one member of the static federation roster. A
// host with no Address is reachable only as an inbound connection (it dials
// us, or it never connects at all); this lets a config describe a peer the
// local host expects to hear about via roster reconciliation without us
// ever needing to dial it.
type hostEntry struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
}

type moduleSection struct {
	Name           string                 `toml:"name"`
	Scope          string                 `toml:"scope"`
	Type           string                 `toml:"type"`
	ID             string                 `toml:"id"`
	Factory        string                 `toml:"factory"`
	Standalone     bool                   `toml:"standalone"`
	AllowLocalPeer bool                   `toml:"allow_local_peer"`
	Props          map[string]interface{} `toml:"props"`
}

// Config implements module.ConfigProvider over a parsed TOML document.
type Config struct {
	selfName      string
	hosts         []string
	addresses     map[string]string
	userBlacklist []string
	catalogue     []module.CatalogEntry
}

// Load reads and validates path, returning a Config ready to pass to
// manager.New. Every entry in fileConfig.Modules is validated against
// module.ParseModuleName before this returns, so the manager never has to
// handle a malformed name at runtime.
func Load(path string) (*Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, errors.Wrapf(err, "config: decoding %s", path)
	}
	return fromFileConfig(&fc)
}

func fromFileConfig(fc *fileConfig) (*Config, error) {
	if fc.SelfName == "" {
		return nil, errors.New("config: self_name is required")
	}

	found := false
	hosts := make([]string, 0, len(fc.Hosts))
	addresses := make(map[string]string, len(fc.Hosts))
	for _, h := range fc.Hosts {
		if h.Name == "" {
			return nil, errors.New("config: a [[hosts]] entry is missing name")
		}
		if h.Name == fc.SelfName {
			found = true
		}
		hosts = append(hosts, h.Name)
		if h.Address != "" {
			addresses[h.Name] = h.Address
		}
	}
	if !found {
		return nil, fmt.Errorf("config: self_name %q must appear in hosts", fc.SelfName)
	}

	catalogue := make([]module.CatalogEntry, 0, len(fc.Modules))
	for _, m := range fc.Modules {
		if _, _, _, err := module.ParseModuleName(m.Name); err != nil {
			return nil, errors.Wrapf(err, "config: module %q", m.Name)
		}

		scope := module.Scope(m.Scope)
		switch scope {
		case module.ScopeSys, module.ScopeUsr:
		default:
			return nil, fmt.Errorf("config: module %q: scope must be %q or %q, got %q", m.Name, module.ScopeSys, module.ScopeUsr, m.Scope)
		}

		props := m.Props
		if props == nil {
			props = map[string]interface{}{}
		}
		props["standalone"] = m.Standalone
		props["allow-local-peer"] = m.AllowLocalPeer

		catalogue = append(catalogue, module.CatalogEntry{
			Name:     m.Name,
			Scope:    scope,
			Type:     module.Role(m.Type),
			ID:       m.ID,
			PropDict: props,
			Factory:  m.Factory,
		})
	}

	return &Config{
		selfName:      fc.SelfName,
		hosts:         hosts,
		addresses:     addresses,
		userBlacklist: append([]string(nil), fc.UserBlacklist...),
		catalogue:     catalogue,
	}, nil
}

func (c *Config) SelfName() string                      { return c.selfName }
func (c *Config) HostNames() []string                   { return c.hosts }
func (c *Config) ModuleCatalogue() []module.CatalogEntry { return c.catalogue }
func (c *Config) UserBlacklist() []string                { return c.userBlacklist }

// HostAddress returns the dial address configured for a peer host, and
// whether one was configured at all.
func (c *Config) HostAddress(name string) (string, bool) {
	addr, ok := c.addresses[name]
	return addr, ok
}
