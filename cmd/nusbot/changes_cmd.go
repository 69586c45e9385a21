package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kraiz/nusbot/internal/bot"
	"github.com/kraiz/nusbot/internal/config"
	"github.com/kraiz/nusbot/internal/storage"
)

func newChangesCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List the stored filelist changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			since, err := changesSince(cmd, time.Now())
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			store, err := storage.Open(cmd.Context(), cfg.DBPath, storage.WithReadOnly())
			if err != nil {
				return err
			}
			defer store.Close()

			changes, err := store.ChangesSince(cmd.Context(), since)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(changes)
			}

			if len(changes) == 0 {
				_, err := fmt.Fprintf(out, "No changes since %s\n", since.Format(time.DateTime))
				return err
			}
			for _, change := range changes {
				fmt.Fprintf(out, "%s (%s), %d removed, %d added\n",
					change.Nick, humanize.Time(change.Timestamp), len(change.Removed), len(change.Added))
				date := change.Timestamp.Local().Format(time.DateOnly)
				for _, line := range bot.ChangeLines(change.Nick, change, date, cfg.MagnetLinks) {
					fmt.Fprintf(out, "  %s\n", line)
				}
			}
			return nil
		},
	}

	cmd.Flags().Int("days", 7, "show changes of the last n days")
	cmd.Flags().String("since", "", "show changes after this time, RFC 3339 or YYYY-MM-DD")
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func changesSince(cmd *cobra.Command, now time.Time) (time.Time, error) {
	if raw, _ := cmd.Flags().GetString("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t, nil
		}
		t, err := time.ParseInLocation(time.DateOnly, raw, now.Location())
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --since %q: %w", raw, err)
		}
		return t, nil
	}

	days, _ := cmd.Flags().GetInt("days")
	if days < 0 {
		return time.Time{}, fmt.Errorf("invalid --days %d", days)
	}
	return now.AddDate(0, 0, -days), nil
}
