package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/hivestate/internal/doctor"
)

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "doctor",
		Short:       "Check configuration, database health and telemetry reachability",
		Args:        exactArgs(0),
		Annotations: map[string]string{storeAnnotation: storeNone},
		RunE: func(cmd *cobra.Command, _ []string) error {
			diag := doctor.Run(cmd.Context(), &a.cfg, Version)
			if a.jsonOut {
				if err := a.printJSON(diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(a.stdout, "hivestate %s (%s/%s, %s)\n\n", diag.System.Version, diag.System.OS, diag.System.Arch, diag.System.Go)
				for _, r := range diag.Results {
					fmt.Fprintf(a.stdout, "%s %-15s: %s\n", statusIcon(r.Status), r.Name, r.Message)
					if r.Detail != "" {
						fmt.Fprintf(a.stdout, "    %s\n", r.Detail)
					}
				}
			}
			if diag.Failed() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}

func statusIcon(status string) string {
	switch status {
	case doctor.StatusPass:
		return "✅"
	case doctor.StatusFail:
		return "❌"
	case doctor.StatusWarn:
		return "⚠️ "
	}
	return "⏩"
}
