package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/hivestate/internal/persistence"
	"github.com/basket/hivestate/internal/resume"
)

func newSessionsCmd(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, most recently updated first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := persistence.SessionFilter{Status: persistence.SessionStatus(status), Limit: limit}
			if status != "" && !filter.Status.Valid() {
				return &usageError{fmt.Errorf("unknown status %q", status)}
			}
			sessions, err := a.manager.ListSessions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if a.jsonOut {
				if sessions == nil {
					sessions = []persistence.Session{}
				}
				return a.printJSON(sessions)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tLABEL\tSTATUS\tPROGRESS\tUPDATED")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f%%\t%s\n", s.ID, s.Label, s.Status, s.Progress, s.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only sessions in this status (active, paused, completed, archived)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of sessions (0 = all)")
	return cmd
}

func newCreateCmd(a *app) *cobra.Command {
	var objective, mode string
	cmd := &cobra.Command{
		Use:   "create <label>",
		Short: "Create a new active session",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.manager.CreateSession(cmd.Context(), args[0], objective, mode)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(sess)
			}
			fmt.Fprintln(a.stdout, sess.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&objective, "objective", "", "what the session is meant to achieve")
	cmd.Flags().StringVar(&mode, "mode", persistence.DefaultMode, "coordination mode recorded on the session")
	return cmd
}

func newCheckpointCmd(a *app) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "checkpoint <session-id> <name>",
		Short: "Save a named checkpoint (payload '-' reads JSON from stdin)",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(payload)
			if payload == "-" {
				var err error
				if raw, err = io.ReadAll(a.stdin); err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
			}
			if !json.Valid(raw) {
				return &usageError{fmt.Errorf("payload is not valid JSON")}
			}
			id, err := a.manager.SaveCheckpoint(cmd.Context(), args[0], args[1], json.RawMessage(raw))
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(map[string]string{"checkpoint_id": id, "session_id": args[0]})
			}
			fmt.Fprintln(a.stdout, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "{}", "checkpoint payload as JSON")
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var reactivate bool
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Show everything needed to continue a session",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch := resume.New(a.manager)
			if reactivate {
				if _, err := orch.Reactivate(cmd.Context(), args[0]); err != nil {
					return err
				}
			}
			rc, err := orch.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(rc)
			}
			printResumeContext(a.stdout, rc)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reactivate, "reactivate", false, "move a paused session back to active first")
	return cmd
}

func printResumeContext(w io.Writer, rc *resume.Context) {
	s := rc.Session
	fmt.Fprintf(w, "Session:    %s (%s)\n", s.ID, s.Label)
	fmt.Fprintf(w, "Status:     %s\n", s.Status)
	if s.Objective != "" {
		fmt.Fprintf(w, "Objective:  %s\n", s.Objective)
	}
	fmt.Fprintf(w, "Progress:   %.1f%%\n", rc.Progress)
	if cp := rc.LatestCheckpoint; cp != nil {
		fmt.Fprintf(w, "Checkpoint: %s %q at %s\n", cp.ID, cp.Name, cp.CreatedAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Fprintln(w, "Checkpoint: none")
	}

	if len(rc.PendingTasks) > 0 {
		fmt.Fprintf(w, "\nOpen tasks (%d):\n", len(rc.PendingTasks))
		tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
		for _, t := range rc.PendingTasks {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", t.ID, t.Status, t.AgentID, t.Description)
		}
		_ = tw.Flush()
	}
	if len(rc.Agents) > 0 {
		names := make([]string, 0, len(rc.Agents))
		for _, ag := range rc.Agents {
			names = append(names, fmt.Sprintf("%s[%s]", ag.ID, ag.Status))
		}
		fmt.Fprintf(w, "\nAgents: %s\n", strings.Join(names, ", "))
	}
	if len(rc.RecentEvents) > 0 {
		fmt.Fprintln(w, "\nRecent events:")
		for _, ev := range rc.RecentEvents {
			fmt.Fprintf(w, "  %s %-5s %s\n", ev.CreatedAt.Format("15:04:05"), ev.Level, ev.Message)
		}
	}
}

func newReactivateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reactivate <session-id>",
		Short: "Move a paused session back to active",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.printSession(resume.New(a.manager).Reactivate(cmd.Context(), args[0]))
		},
	}
}

func newPauseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <session-id>",
		Short: "Pause an active session",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.printSession(a.manager.Pause(cmd.Context(), args[0]))
		},
	}
}

func newCompleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <session-id>",
		Short: "Mark a session completed",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.printSession(a.manager.Complete(cmd.Context(), args[0]))
		},
	}
}

func (a *app) printSession(sess *persistence.Session, err error) error {
	if err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(sess)
	}
	fmt.Fprintf(a.stdout, "%s %s\n", sess.ID, sess.Status)
	return nil
}
