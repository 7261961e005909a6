package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"camrelay/internal/ipc"
)

func newUploadsCommand(ctx *commandContext) *cobra.Command {
	var camera string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "List recent artifact uploads from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Uploads(camera, limit)
				if err != nil {
					return fmt.Errorf("uploads: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if len(resp.Uploads) == 0 {
					fmt.Fprintln(out, "No uploads recorded")
					return nil
				}
				rows := make([][]string, 0, len(resp.Uploads))
				for _, u := range resp.Uploads {
					target := u.RemotePath
					if u.Error != "" {
						target = u.Error
					}
					rows = append(rows, []string{
						strconv.FormatInt(u.ID, 10),
						u.UploadedAt,
						u.Camera,
						humanize(u.Status),
						strconv.Itoa(u.Rows),
						strconv.FormatInt(u.Bytes, 10),
						(time.Duration(u.DurationMillis) * time.Millisecond).String(),
						dash(target),
					})
				}
				fmt.Fprint(out, renderTable([]string{"ID", "When", "Camera", "Status", "Rows", "Bytes", "Took", "Remote / Error"}, rows, 0, 4, 5, 6))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&camera, "camera", "", "Only show uploads for this camera")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum rows to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
