package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nylund/hopgate/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy chain status",
	Long:  `Query the running hopgate supervisor and display tunnel state, observed egress address, and proxy listener status.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := control.FetchStatus(control.ResolveSocketPath())
	if err != nil {
		return fmt.Errorf("is hopgate running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "%s %s\n", styleKey.Render("State:     "), styleState(status.State))
	fmt.Fprintf(os.Stdout, "%s %s\n", styleKey.Render("Interface: "), status.Interface)
	fmt.Fprintf(os.Stdout, "%s %s\n", styleKey.Render("Address:   "), status.Address)
	egress := status.Egress
	if egress == "" {
		egress = "-"
	}
	fmt.Fprintf(os.Stdout, "%s %s\n", styleKey.Render("Egress:    "), egress)
	fmt.Fprintf(os.Stdout, "%s %d\n", styleKey.Render("Failures:  "), status.Failures)
	fmt.Fprintf(os.Stdout, "%s %d\n", styleKey.Render("Rebuilds:  "), status.Rebuilds)
	fmt.Fprintf(os.Stdout, "%s %s\n", styleKey.Render("Uptime:    "), formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))
	fmt.Println()

	if len(status.Listeners) == 0 {
		fmt.Println("No proxy listeners enabled.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LISTENER\tPORT\tRUNNING\tRESTARTS")
	for _, l := range status.Listeners {
		fmt.Fprintf(w, "%s\t%d\t%t\t%d\n", l.Kind, l.Port, l.Running, l.Restarts)
	}
	w.Flush()

	return nil
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
