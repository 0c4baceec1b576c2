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

/*
Package cli builds the polybugger command tree.

The root command owns the persistent flags and version information; each
subcommand lives in an internal/commands subpackage.

# Command Tree

	polybugger
	├── serve         Run the MCP server over stdio
	├── sessions      Inspect and delete persisted sessions
	├── containers    List processes inside containers
	├── config        Show, locate, or initialize configuration
	├── completion    Generate shell completion scripts
	├── version       Show version
	└── help          Show help

# Global Flags

	--config         Path to config file
	--log-level      Override the configured log level
	--json           Output in JSON format
*/
package cli
