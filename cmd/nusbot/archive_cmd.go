package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kraiz/nusbot/internal/blob"
	"github.com/kraiz/nusbot/internal/config"
)

var errArchiveDisabled = errors.New("no archive bucket configured")

func newArchiveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Browse the filelist archive in object storage",
	}
	cmd.AddCommand(newArchiveListCmd(v), newArchiveGetCmd(v))
	return cmd
}

func openArchive(cmd *cobra.Command, v *viper.Viper) (*blob.Archive, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if !cfg.Archive.Enabled() {
		return nil, errArchiveDisabled
	}
	return blob.NewArchiveWithS3Config(cmd.Context(), &cfg.Archive)
}

func newArchiveListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list CID",
		Short: "List the archived filelists of a user, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := openArchive(cmd, v)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			objects, err := archive.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, obj := range objects {
				fmt.Fprintf(out, "%s  %s  %8s  %s\n",
					obj.FetchedAt.Local().Format(time.DateTime), humanize.Time(obj.FetchedAt), humanize.Bytes(uint64(obj.Size)), obj.Key)
			}
			return nil
		},
	}
}

func newArchiveGetCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Download an archived filelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := openArchive(cmd, v)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			data, err := archive.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if path, _ := cmd.Flags().GetString("output"); path != "" {
				return os.WriteFile(path, data, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")
	return cmd
}
