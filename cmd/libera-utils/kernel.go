package main

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/libera-sdc/libera-utils/internal/spice/frames"
	"github.com/libera-sdc/libera-utils/internal/spice/pool"
)

func (a *app) kernelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Inspect SPICE text kernels",
	}
	cmd.AddCommand(a.checkFramesCmd(), a.rotationCmd(), a.kernelListCmd())
	return cmd
}

// frameKernel reads the frames kernel at path, defaulting to the configured
// Libera frames kernel.
func (a *app) frameKernel(cmd *cobra.Command, path string) (*frames.Kernel, error) {
	if path == "" {
		p, err := a.cfg.String("LIBERA_FRAME_KERNEL")
		if err != nil {
			return nil, err
		}
		path = p
	}
	data, err := a.fs.ReadFile(cmd.Context(), path)
	if err != nil {
		return nil, err
	}
	return frames.Parse(bytes.NewReader(data), path)
}

func (a *app) checkFramesCmd() *cobra.Command {
	var tree bool
	cmd := &cobra.Command{
		Use:   "check-frames [FK_FILE]",
		Short: "Check a frames kernel for consistency",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			k, err := a.frameKernel(cmd, path)
			if err != nil {
				return err
			}
			if err := k.Validate(); err != nil {
				return err
			}
			root, _ := k.Root()
			fmt.Fprintf(a.out, "%d frames OK, rooted at %s (%d)\n", len(k.Frames), root.Name, root.ID)
			if tree {
				fmt.Fprint(a.out, k.Tree())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&tree, "tree", false, "Print the frame hierarchy")
	return cmd
}

func (a *app) rotationCmd() *cobra.Command {
	var fk string
	cmd := &cobra.Command{
		Use:   "rotation FROM TO",
		Short: "Print the fixed rotation matrix taking vectors from one frame to another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := a.frameKernel(cmd, fk)
			if err != nil {
				return err
			}
			rot, err := k.Rotation(args[0], args[1])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.out, "%.9f\n", mat.Formatted(rot))
			return err
		},
	}
	cmd.Flags().StringVar(&fk, "fk", "", "Frames kernel (default LIBERA_FRAME_KERNEL)")
	return cmd
}

func (a *app) kernelListCmd() *cobra.Command {
	var vars bool
	cmd := &cobra.Command{
		Use:   "ls KERNEL...",
		Short: "Furnish text kernels and list what was loaded",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := pool.New()
			for _, path := range args {
				if err := p.Furnish(path); err != nil {
					return err
				}
			}
			for _, k := range p.Kernels() {
				fmt.Fprintln(a.out, k)
			}
			if vars {
				for _, v := range p.Variables() {
					fmt.Fprintln(a.out, v.String())
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&vars, "vars", false, "Also print every pool variable")
	return cmd
}
