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

package shared

import (
	"io"
	"log/slog"
	"strings"

	"github.com/tombee/polybugger/internal/config"
	pblog "github.com/tombee/polybugger/internal/log"
	"github.com/tombee/polybugger/internal/session"
	"github.com/tombee/polybugger/internal/session/sqlite"
)

// LoadConfig loads configuration from --config (or the default path) and
// applies the --log-level override.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, NewConfigError("failed to load configuration", err)
	}
	if level := GetLogLevel(); level != "" {
		cfg.Log.Level = strings.ToLower(level)
	}
	return cfg, nil
}

// NewLogger builds the process logger from cfg, writing to w.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return pblog.New(&pblog.Config{
		Level:     cfg.Log.Level,
		Format:    pblog.Format(cfg.Log.Format),
		Output:    w,
		AddSource: cfg.Log.AddSource,
	})
}

// OpenStore opens the session record store: SQLite when persistence is
// enabled, process memory otherwise.
func OpenStore(cfg *config.Config) (session.Store, error) {
	if !cfg.Persistence.Enabled {
		return session.NewMemoryStore(), nil
	}
	return sqlite.New(sqlite.Config{
		Path: cfg.Persistence.Path,
		WAL:  cfg.Persistence.WAL,
	})
}
