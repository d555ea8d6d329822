package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/libera-sdc/libera-utils/internal/filenaming"
	"github.com/libera-sdc/libera-utils/internal/kernelmaker"
	"github.com/libera-sdc/libera-utils/internal/manifest"
)

func (a *app) makeKernelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "make-kernel",
		Short: "Generate SPICE kernels from packet data",
	}
	type maker func(*kernelmaker.Maker, context.Context, kernelmaker.Options) (string, error)
	makers := []struct {
		use, short string
		run        maker
	}{
		{"jpss-spk", "Generate a JPSS SPK from geolocation packets", (*kernelmaker.Maker).MakeJPSSSPK},
		{"jpss-ck", "Generate a JPSS CK from geolocation packets", (*kernelmaker.Maker).MakeJPSSCK},
		{"azel-ck", "Generate an Az-El mechanism CK", (*kernelmaker.Maker).MakeAzElCK},
	}
	for _, mk := range makers {
		var opts kernelmaker.Options
		sub := &cobra.Command{
			Use:   mk.use + " PACKET_FILE...",
			Short: mk.short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := a.maker()
				if err != nil {
					return err
				}
				opts.PacketFiles = args
				out, err := mk.run(m, cmd.Context(), opts)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(a.out, out)
				return err
			},
		}
		sub.Flags().StringVarP(&opts.Outdir, "outdir", "o", "", "Output directory for the kernel (local or s3://)")
		sub.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "Replace an existing kernel of the same name")
		_ = sub.MarkFlagRequired("outdir")
		cmd.AddCommand(sub)
	}
	cmd.AddCommand(a.fromManifestCmd())
	return cmd
}

func (a *app) fromManifestCmd() *cobra.Command {
	var outdir string
	var writeManifest bool
	cmd := &cobra.Command{
		Use:   "from-manifest MANIFEST",
		Short: "Generate the JPSS SPK and CK for the files in an input manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := a.maker()
			if err != nil {
				return err
			}
			kernels, err := m.MakeJPSSKernelsFromManifest(ctx, args[0], outdir)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, kernels.SPK)
			fmt.Fprintln(a.out, kernels.CK)
			if !writeManifest {
				return nil
			}

			out := manifest.New(filenaming.Output)
			out.FS = a.fs
			for _, k := range []string{kernels.SPK, kernels.CK} {
				if err := out.AddFile(ctx, k); err != nil {
					return err
				}
			}
			path, err := out.Write(ctx, outdir, "")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, path)
			return err
		},
	}
	cmd.Flags().StringVarP(&outdir, "outdir", "o", "", "Output directory for the kernels (local or s3://)")
	cmd.Flags().BoolVar(&writeManifest, "output-manifest", true, "Write an output manifest listing the kernels")
	_ = cmd.MarkFlagRequired("outdir")
	return cmd
}
