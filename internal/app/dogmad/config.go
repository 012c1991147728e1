// Copyright 2025 LINE Corporation
//
// LINE Corporation licenses this file to you under the Apache License,
// version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at:
//
//   https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config is the dogmad server configuration, loaded from a YAML file and
// overridable by flags.
type config struct {
	DataDir string `yaml:"dataDir"`
	Addr    string `yaml:"addr"`

	Watch struct {
		MaxTimeoutSeconds int `yaml:"maxTimeoutSeconds"`
	} `yaml:"watch"`

	Mirror struct {
		Workers     int   `yaml:"workers"`
		MaxNumFiles int   `yaml:"maxNumFiles"`
		MaxNumBytes int64 `yaml:"maxNumBytes"`
	} `yaml:"mirror"`

	Zone *struct {
		Current string   `yaml:"current"`
		All     []string `yaml:"all"`
	} `yaml:"zone"`

	Encryption struct {
		Enabled       bool              `yaml:"enabled"`
		CurrentKekID  string            `yaml:"currentKekId"`
		Keys          map[string]string `yaml:"keys"` // kekId -> base64 256-bit key
		SessionKeyDir string            `yaml:"sessionKeyDir"`
	} `yaml:"encryption"`

	Metrics struct {
		Sink string `yaml:"sink"` // prometheus (default), statsd or inmem
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

func defaultConfig() *config {
	c := &config{
		DataDir: "./data",
		Addr:    ":36462",
	}
	return c
}

func loadConfig(path string) (*config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %v: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config %v: %w", path, err)
	}
	return c, nil
}

func (c *config) kekKeys() (map[string][]byte, error) {
	keys := map[string][]byte{}
	for id, encoded := range c.Encryption.Keys {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("KEK %v is not valid base64: %w", id, err)
		}
		keys[id] = key
	}
	return keys, nil
}
