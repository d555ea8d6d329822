package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/libera-sdc/libera-utils/internal/filenaming"
	"github.com/libera-sdc/libera-utils/internal/manifest"
	"github.com/libera-sdc/libera-utils/internal/timeutil"
)

func (a *app) manifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Create and validate processing manifests",
	}
	cmd.AddCommand(a.manifestCreateCmd(), a.manifestValidateCmd())
	return cmd
}

func (a *app) manifestCreateCmd() *cobra.Command {
	var (
		kind, outdir, name string
		start, end         string
	)
	cmd := &cobra.Command{
		Use:   "create FILE...",
		Short: "Write a manifest listing files with their checksums",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, err := filenaming.ParseManifestType(kind)
			if err != nil {
				return err
			}
			m := manifest.New(t)
			m.FS = a.fs
			m.Metrics = a.metrics
			if (start == "") != (end == "") {
				return errors.New("--start and --end must be given together")
			}
			if start != "" {
				s, err := time.Parse(timeutil.ManifestTimeFormat, start)
				if err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
				e, err := time.Parse(timeutil.ManifestTimeFormat, end)
				if err != nil {
					return fmt.Errorf("invalid --end: %w", err)
				}
				if !s.Before(e) {
					return fmt.Errorf("--start %s is not before --end %s", start, end)
				}
				m.AddDesiredTimeRange(s, e)
			}
			for _, f := range args {
				if err := m.AddFile(ctx, f); err != nil {
					return err
				}
			}
			path, err := m.Write(ctx, outdir, name)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, path)
			return err
		},
	}
	cmd.Flags().StringVarP(&kind, "type", "t", "input", "Manifest type: input or output")
	cmd.Flags().StringVarP(&outdir, "outdir", "o", "", "Directory to write the manifest to (local or s3://)")
	cmd.Flags().StringVar(&name, "name", "", "Manifest file name (default generated from type and time)")
	cmd.Flags().StringVar(&start, "start", "", "Desired data start time, "+timeutil.ManifestTimeFormat)
	cmd.Flags().StringVar(&end, "end", "", "Desired data end time, "+timeutil.ManifestTimeFormat)
	_ = cmd.MarkFlagRequired("outdir")
	return cmd
}

func (a *app) manifestValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate MANIFEST",
		Short: "Check every file checksum listed in a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := manifest.Read(ctx, a.fs, args[0])
			if err != nil {
				return err
			}
			m.Metrics = a.metrics
			if err := m.ValidateChecksums(ctx); err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.out, "%s: %d files OK\n", args[0], len(m.Files))
			return err
		},
	}
}
