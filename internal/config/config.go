/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config implements §6's configuration shape as a typed struct
// decoded from YAML, with flag overrides for the values an operator most
// often tweaks per invocation.
//
// Grounded in the teacher's cmd/manager/main.go parseFlags()/managerConfig
// pattern (a private builder populating a config struct via flag.StringVar/
// flag.IntVar), kept for shape and pointed at napi's own config object
// instead of manager/webhook flags; gopkg.in/yaml.v3 supplies the file
// format, already an indirect dependency of the teacher.
package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// StorageConfig names the KV backend connection, per §6.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "memory" or "etcd"
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// InitialNetwork seeds a network at startup, per §6's optional
// initial_networks.
type InitialNetwork struct {
	Name             string   `yaml:"name"`
	NicTag           string   `yaml:"nic_tag"`
	Subnet           string   `yaml:"subnet"`
	ProvisionStartIP string   `yaml:"provision_start_ip"`
	ProvisionEndIP   string   `yaml:"provision_end_ip"`
	Gateway          string   `yaml:"gateway,omitempty"`
	Resolvers        []string `yaml:"resolvers,omitempty"`
}

// Config is the full §6 configuration object: `{ port, admin_uuid, mac_oui,
// mtu_default, storage: {host,port,...}, log_level, initial_networks? }`.
type Config struct {
	Port            int              `yaml:"port"`
	AdminUUID       string           `yaml:"admin_uuid"`
	MACOui          string           `yaml:"mac_oui"`
	MTUDefault      int              `yaml:"mtu_default"`
	Storage         StorageConfig    `yaml:"storage"`
	LogLevel        string           `yaml:"log_level"`
	InitialNetworks []InitialNetwork `yaml:"initial_networks,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Port:       80,
		MTUDefault: 1500,
		Storage:    StorageConfig{Backend: "memory"},
		LogLevel:   "info",
	}
}

// Load reads and decodes a YAML config file, starting from DefaultConfig so
// unset fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "opening config file %s", path)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "decoding config file %s", path)
	}
	return cfg, nil
}

// Flags holds napi-server's command-line overrides, bound directly onto
// cobra's flag set by the command constructors in cmd/napi-server rather
// than through a stdlib flag.FlagSet — mirroring the teacher's
// parseFlags()/managerConfig pattern of a plain struct populated by the
// binary's own flag registration, just against pflag instead of flag.
type Flags struct {
	ConfigPath string
	Port       int
	LogLevel   string
}

// Apply layers f's non-zero overrides onto cfg.
func (f *Flags) Apply(cfg Config) Config {
	if f.Port != 0 {
		cfg.Port = f.Port
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	return cfg
}

// Validate checks the fatal-init-failure conditions of §6's exit codes:
// invalid config must fail with a non-zero exit before any bucket is
// created.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.AdminUUID == "" {
		return fmt.Errorf("admin_uuid is required")
	}
	switch c.Storage.Backend {
	case "memory", "etcd":
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	return nil
}
