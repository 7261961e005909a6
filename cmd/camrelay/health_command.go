package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"camrelay/internal/ipc"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show health of monitored servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Health()
				if err != nil {
					return fmt.Errorf("health: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if len(resp.Servers) == 0 {
					fmt.Fprintln(out, "No servers configured")
					return nil
				}
				rows := make([][]string, 0, len(resp.Servers))
				for _, srv := range resp.Servers {
					rows = append(rows, []string{
						srv.Name,
						humanize(srv.Status),
						srv.URL,
						srv.Interval,
						strconv.Itoa(srv.ConsecutiveFailures),
						dash(srv.LastCheck),
						dash(srv.LastError),
					})
				}
				fmt.Fprint(out, renderTable([]string{"Server", "Status", "URL", "Interval", "Failures", "Last Check", "Last Error"}, rows, 4))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
