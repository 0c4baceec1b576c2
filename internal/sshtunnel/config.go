// Copyright 2025 Tom Barlow
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

package sshtunnel

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// DefaultPort is the SSH server port used when Config.Port is zero.
const DefaultPort = 22

// Config describes how to reach an SSH server, optionally through a jump
// host.
type Config struct {
	Host     string `json:"host" yaml:"host"`
	User     string `json:"user" yaml:"user"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	KeyPath  string `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	Password string `json:"-" yaml:"-"`

	JumpHost    string `json:"jump_host,omitempty" yaml:"jump_host,omitempty"`
	JumpUser    string `json:"jump_user,omitempty" yaml:"jump_user,omitempty"`
	JumpKeyPath string `json:"jump_key_path,omitempty" yaml:"jump_key_path,omitempty"`
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.Host == "" {
		return &pberrors.ValidationError{Field: "ssh_host", Message: "is required"}
	}
	if c.User == "" {
		return &pberrors.ValidationError{Field: "ssh_user", Message: "is required"}
	}
	if c.Port < 0 || c.Port > 65535 {
		return &pberrors.ValidationError{Field: "ssh_port", Message: fmt.Sprintf("%d is out of range", c.Port)}
	}
	return nil
}

// port returns the effective SSH port.
func (c Config) port() int {
	if c.Port == 0 {
		return DefaultPort
	}
	return c.Port
}

// Destination returns user@host.
func (c Config) Destination() string {
	return c.User + "@" + c.Host
}

// Key returns the registry key for a tunnel through this server.
func Key(sshHost, remoteHost string, remotePort int) string {
	return sshHost + ":" + remoteHost + ":" + strconv.Itoa(remotePort)
}

// BuildArgs assembles the ssh arguments for a local forward. Key paths must
// already be expanded.
func BuildArgs(cfg Config, localPort int, remoteHost string, remotePort int) []string {
	args := []string{
		"-N",
		"-L", fmt.Sprintf("%d:%s:%d", localPort, remoteHost, remotePort),
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=10",
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
		"-p", strconv.Itoa(cfg.port()),
	}
	if cfg.KeyPath != "" {
		args = append(args, "-i", cfg.KeyPath)
	}
	if cfg.JumpHost != "" {
		jump := cfg.JumpHost
		if cfg.JumpUser != "" {
			jump = cfg.JumpUser + "@" + jump
		}
		args = append(args, "-J", jump)
		if cfg.JumpKeyPath != "" {
			args = append(args, "-i", cfg.JumpKeyPath)
		}
	}
	return append(args, cfg.Destination())
}

// expandPath resolves a leading ~ to the user's home directory.
func expandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
