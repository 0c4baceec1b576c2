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

// Package sessions implements commands that inspect the persisted session
// records the server recovers from.
package sessions

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/polybugger/internal/commands/completion"
	"github.com/tombee/polybugger/internal/commands/shared"
	"github.com/tombee/polybugger/internal/session"
)

// NewCommand creates the sessions command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted debug sessions",
		Long: `Inspect and delete the session records saved by 'polybugger serve'.

Saved sessions can be recovered by an MCP client with
debug_recover_session, restoring their breakpoints and watches.`,
		Annotations: map[string]string{
			"group": "sessions",
		},
	}

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newDeleteCmd())

	return cmd
}

// openStore is replaced in tests.
var openStore = func() (session.Store, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	return shared.OpenStore(cfg)
}

// SessionSummary is one row of 'sessions list'.
type SessionSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Language    string    `json:"language"`
	State       string    `json:"state"`
	ProjectRoot string    `json:"project_root"`
	Breakpoints int       `json:"breakpoints"`
	Watches     int       `json:"watches"`
	SavedAt     time.Time `json:"saved_at"`
}

// ListResponse is the JSON output of 'sessions list'.
type ListResponse struct {
	shared.JSONResponse
	Sessions []SessionSummary `json:"sessions"`
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			return writeList(cmd.OutOrStdout(), records, shared.GetJSON())
		},
	}
}

func writeList(out io.Writer, records []session.Record, useJSON bool) error {
	summaries := make([]SessionSummary, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, SessionSummary{
			ID:          r.ID,
			Name:        r.Name,
			Language:    r.Language,
			State:       r.State,
			ProjectRoot: r.ProjectRoot,
			Breakpoints: r.BreakpointCount(),
			Watches:     len(r.Watches),
			SavedAt:     r.SavedAt,
		})
	}

	if useJSON {
		return shared.EmitJSON(out, ListResponse{
			JSONResponse: shared.NewJSONResponse("sessions list"),
			Sessions:     summaries,
		})
	}

	if len(summaries) == 0 {
		fmt.Fprintln(out, "No saved sessions.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLANGUAGE\tSTATE\tBREAKPOINTS\tWATCHES\tSAVED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.Name, s.Language, shared.RenderState(s.State),
			s.Breakpoints, s.Watches, s.SavedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>...",
		Short: "Delete saved sessions",
		Long: `Delete saved session records so they can no longer be recovered.

Deleting a record does not affect a session that is live in a running server.`,
		Args:              cobra.MinimumNArgs(1),
		ValidArgsFunction: completion.CompleteSessionIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return deleteRecords(cmd.Context(), cmd.OutOrStdout(), store, args)
		},
	}
}

func deleteRecords(ctx context.Context, out io.Writer, store session.Store, ids []string) error {
	for _, id := range ids {
		if _, err := store.Load(ctx, id); err != nil {
			return shared.NewNotFoundError(fmt.Sprintf("cannot delete %s", id), err)
		}
		if err := store.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", id, err)
		}
		if !shared.GetJSON() {
			fmt.Fprintln(out, shared.RenderOK("Deleted "+id))
		}
	}
	if shared.GetJSON() {
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			Deleted []string `json:"deleted"`
		}{
			JSONResponse: shared.NewJSONResponse("sessions delete"),
			Deleted:      ids,
		})
	}
	return nil
}
