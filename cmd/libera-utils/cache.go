package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/libera-sdc/libera-utils/internal/caching"
)

func (a *app) cache() (string, error) {
	if a.cacheDir != "" {
		return a.cacheDir, nil
	}
	return caching.Dir()
}

func (a *app) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the local kernel cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "dir",
			Short: "Print the cache directory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				dir, err := a.cache()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(a.out, dir)
				return err
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cached file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				dir, err := a.cache()
				if err != nil {
					return err
				}
				removed, err := caching.EmptyDir(dir)
				for _, p := range removed {
					fmt.Fprintln(a.out, "removed", p)
				}
				return err
			},
		},
	)
	return cmd
}
