package main

import (
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kraiz/nusbot/internal/filelist"
)

func newDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff OLD NEW",
		Short: "Compare two filelist files the way the bot does",
		Long:  "Compare two filelist files the way the bot does. Files ending in .bz2 are decompressed first.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			oldTree, err := readListing(args[0])
			if err != nil {
				return err
			}
			newTree, err := readListing(args[1])
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			magnet, _ := cmd.Flags().GetBool("magnet")
			diff := filelist.Compute(oldTree, newTree)

			out := cmd.OutOrStdout()
			for _, n := range diff.Removed {
				fmt.Fprintf(out, "- %s\n", filelist.Format(n, magnet))
			}
			for _, n := range diff.Added {
				fmt.Fprintf(out, "+ %s\n", filelist.Format(n, magnet))
			}
			return nil
		},
	}

	cmd.Flags().BoolP("magnet", "m", false, "add magnet links")
	return cmd
}

func readListing(path string) (*filelist.Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".bz2") {
		r = bzip2.NewReader(f)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	tree, err := filelist.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tree, nil
}
