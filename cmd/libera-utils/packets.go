package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/libera-sdc/libera-utils/internal/ccsds"
	"github.com/libera-sdc/libera-utils/internal/geolocation"
	"github.com/libera-sdc/libera-utils/internal/quicklook"
)

func (a *app) packetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packets",
		Short: "Inspect CCSDS packet files",
	}
	cmd.AddCommand(a.packetSummaryCmd(), a.geolocateCmd())
	return cmd
}

func (a *app) packetSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary PACKET_FILE...",
		Short: "Count packets per APID using primary headers only",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				data, err := a.fs.ReadFile(cmd.Context(), path)
				if err != nil {
					return err
				}
				s := ccsds.Summarize(data)
				fmt.Fprintf(a.out, "%s: %d packets, %d bytes", path, s.Packets, s.Bytes)
				if s.Truncated {
					fmt.Fprint(a.out, " (truncated)")
				}
				fmt.Fprintln(a.out)
				apids := make([]int, 0, len(s.APIDs))
				for apid := range s.APIDs {
					apids = append(apids, int(apid))
				}
				sort.Ints(apids)
				for _, apid := range apids {
					fmt.Fprintf(a.out, "  APID %4d: %d\n", apid, s.APIDs[uint16(apid)])
				}
			}
			return nil
		},
	}
}

func (a *app) geolocateCmd() *cobra.Command {
	var (
		htmlPath, pngPath string
		subSatellite      bool
	)
	cmd := &cobra.Command{
		Use:   "geolocate PACKET_FILE...",
		Short: "Print the JPSS ground track from geolocation packets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := a.maker()
			if err != nil {
				return err
			}
			states, err := m.Ephemeris(ctx, args)
			if err != nil {
				return err
			}
			times := make([]time.Time, len(states))
			positions := make([]r3.Vec, len(states))
			velocities := make([]r3.Vec, len(states))
			for i, s := range states {
				times[i], positions[i], velocities[i] = s.Time, s.Position, s.Velocity
			}
			track, err := quicklook.Track(times, positions, velocities)
			if err != nil {
				return err
			}

			for i, p := range track {
				fmt.Fprintf(a.out, "%s lon=%.6f lat=%.6f alt=%.3f", p.Time.UTC().Format(time.RFC3339Nano), p.Lon, p.Lat, p.Alt)
				if subSatellite {
					km := r3.Scale(1e-3, positions[i])
					lat, lon, alt := geolocation.SubSatellitePoint(geolocation.ECEFToECI(km, p.Time), p.Time)
					fmt.Fprintf(a.out, " ssp=(%.6f, %.6f, %.3f)", lat, lon, alt)
				}
				fmt.Fprintln(a.out)
			}

			title := filepath.Base(args[0])
			if htmlPath != "" {
				w, err := a.fs.Create(ctx, htmlPath, false)
				if err != nil {
					return err
				}
				if err := quicklook.WriteHTML(w, title, track); err != nil {
					w.Close()
					return err
				}
				if err := w.Close(); err != nil {
					return err
				}
			}
			if pngPath != "" {
				if err := quicklook.SavePNG(pngPath, title, track); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&htmlPath, "html", "", "Write an interactive ground track page (local or s3://)")
	cmd.Flags().StringVar(&pngPath, "png", "", "Write a ground track image to a local file")
	cmd.Flags().BoolVar(&subSatellite, "subsatellite", false, "Also print the geodetic sub-satellite point")
	return cmd
}
