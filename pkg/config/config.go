// Copyright 2024 Mediaswitch, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidPortRange = errors.New("rtc_min_port must be <= rtc_max_port")
	ErrInvalidLogLevel  = errors.New("log_level must be one of debug, info, warn, error")
	ErrMissingDtlsPair  = errors.New("dtls certificate and key must be provided together")
)

// Config is the worker process configuration, from YAML overlaid by CLI
// flags.
type Config struct {
	LogLevel string   `yaml:"log_level"`
	LogTags  []string `yaml:"log_tags"`

	RtcMinPort uint16 `yaml:"rtc_min_port"`
	RtcMaxPort uint16 `yaml:"rtc_max_port"`

	DtlsCertificateFile string `yaml:"dtls_certificate_file"`
	DtlsPrivateKeyFile  string `yaml:"dtls_private_key_file"`
}

func defaultConfig() *Config {
	return &Config{
		LogLevel:   "info",
		RtcMinPort: 10000,
		RtcMaxPort: 59999,
	}
}

// NewConfig builds the effective configuration: defaults, then the YAML
// file (if any), then CLI flags.
func NewConfig(c *cli.Context) (*Config, error) {
	conf := defaultConfig()

	if c != nil && c.String("config") != "" {
		body, err := os.ReadFile(c.String("config"))
		if err != nil {
			return nil, errors.Wrap(err, "could not read config file")
		}
		if err = yaml.Unmarshal(body, conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config file")
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c); err != nil {
			return nil, err
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) updateFromCLI(ctx *cli.Context) error {
	if ctx.IsSet("logLevel") {
		c.LogLevel = ctx.String("logLevel")
	}
	if ctx.IsSet("logTag") {
		c.LogTags = ctx.StringSlice("logTag")
	}
	if ctx.IsSet("rtcMinPort") {
		c.RtcMinPort = uint16(ctx.Uint("rtcMinPort"))
	}
	if ctx.IsSet("rtcMaxPort") {
		c.RtcMaxPort = uint16(ctx.Uint("rtcMaxPort"))
	}
	if ctx.IsSet("dtlsCertificateFile") {
		c.DtlsCertificateFile = ctx.String("dtlsCertificateFile")
	}
	if ctx.IsSet("dtlsPrivateKeyFile") {
		c.DtlsPrivateKeyFile = ctx.String("dtlsPrivateKeyFile")
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}

	if c.RtcMinPort > c.RtcMaxPort {
		return ErrInvalidPortRange
	}

	if (c.DtlsCertificateFile == "") != (c.DtlsPrivateKeyFile == "") {
		return ErrMissingDtlsPair
	}
	if c.DtlsCertificateFile != "" {
		if _, err := os.Stat(c.DtlsCertificateFile); err != nil {
			return errors.Wrap(err, "dtls certificate file")
		}
		if _, err := os.Stat(c.DtlsPrivateKeyFile); err != nil {
			return errors.Wrap(err, "dtls private key file")
		}
	}
	return nil
}
