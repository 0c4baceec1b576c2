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

package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/polybugger/internal/commands/shared"
	"github.com/tombee/polybugger/internal/config"
)

// ValidationResult represents the result of config validation.
type ValidationResult struct {
	shared.JSONResponse
	Path   string   `json:"path"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the 'config validate' subcommand.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the configuration file and POLYBUGGER_* environment overrides.

Checks performed:
  - YAML syntax and durations
  - Log level and format
  - Session limits and timeouts are positive
  - A database path is set when persistence is enabled
  - Metrics address and trace exporter`,
		Example: `  # Validate configuration
  polybugger config validate

  # Get validation result as JSON
  polybugger config validate --json`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout())
		},
	}
}

// runValidate performs configuration validation.
func runValidate(out io.Writer) error {
	cfgPath, err := configPath()
	if err != nil {
		return err
	}

	result := ValidationResult{
		JSONResponse: shared.NewJSONResponse("config validate"),
		Path:         cfgPath,
		Valid:        true,
	}
	if _, err := shared.LoadConfig(); err != nil {
		result.Valid = false
		result.Success = false
		result.Errors = validationErrors(err)
	}

	return outputValidationResult(out, result)
}

// validationErrors splits a load error into one line per problem.
func validationErrors(err error) []string {
	if !errors.Is(err, config.ErrInvalidConfig) {
		return []string{err.Error()}
	}
	var errs []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if item, ok := strings.CutPrefix(strings.TrimSpace(line), "- "); ok {
			errs = append(errs, item)
		}
	}
	if len(errs) == 0 {
		return []string{err.Error()}
	}
	return errs
}

func outputValidationResult(out io.Writer, result ValidationResult) error {
	if shared.GetJSON() {
		if err := shared.EmitJSON(out, result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Fprintln(out, shared.RenderOK("Configuration is valid: "+result.Path))
	} else {
		fmt.Fprintln(out, shared.RenderError("Configuration is invalid: "+result.Path))
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - %s\n", e)
		}
	}

	if !result.Valid {
		return &shared.ExitError{Code: shared.ExitConfigError, Message: fmt.Sprintf("%d configuration error(s)", len(result.Errors))}
	}
	return nil
}
