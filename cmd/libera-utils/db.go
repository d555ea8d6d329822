package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/libera-sdc/libera-utils/internal/constructionrecord"
	"github.com/libera-sdc/libera-utils/internal/db"
	"github.com/libera-sdc/libera-utils/internal/httputil"
	"github.com/libera-sdc/libera-utils/internal/quality"
	"github.com/libera-sdc/libera-utils/internal/smartio"
)

func (a *app) openDB(path string) (*db.DB, error) {
	database, err := db.Open(a.cfg, path)
	if err != nil {
		return nil, err
	}
	database.Metrics = a.metrics
	return database, nil
}

func (a *app) crCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cr",
		Short: "EDOS construction records",
	}
	var dbPath string
	ingest := &cobra.Command{
		Use:   "ingest CR_FILE...",
		Short: "Decode construction records and store them in the database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, err := a.openDB(dbPath)
			if err != nil {
				return err
			}
			defer database.Close()
			for _, path := range args {
				rec, err := constructionrecord.Read(ctx, a.fs, path)
				if err != nil {
					return err
				}
				id, err := database.InsertConstructionRecord(ctx, rec)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s: cr %d, %d APIDs, %d PDS files\n", path, id, len(rec.APIDs), len(rec.PDSFiles))
			}
			return nil
		},
	}
	ingest.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default LIBERA_DB_PATH)")
	cmd.AddCommand(ingest)
	return cmd
}

func (a *app) dbCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database administration",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (default LIBERA_DB_PATH)")
	path := func() (string, error) {
		if dbPath != "" {
			return dbPath, nil
		}
		return a.cfg.String("LIBERA_DB_PATH")
	}

	var yes bool
	migrate := &cobra.Command{
		Use:       "migrate up|down|status|version N|force N",
		Short:     "Manage database schema migrations",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"up", "down", "status", "version", "force"},
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := path()
			if err != nil {
				return err
			}
			mc := &db.MigrateCommand{Out: a.out, In: a.in, Yes: yes}
			return mc.Run(p, args[0], args[1:])
		},
	}
	migrate.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	truncate := &cobra.Command{
		Use:   "truncate",
		Short: "Delete all rows from a local development database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := a.openDB(dbPath)
			if err != nil {
				return err
			}
			defer database.Close()
			return database.TruncateProductTables(cmd.Context())
		},
	}

	cmd.AddCommand(migrate, truncate, a.serveCmd(&dbPath), a.kernelsCmd(&dbPath), a.registerKernelCmd(&dbPath))
	return cmd
}

// adminMux serves the database debug routes and the metrics.
func (a *app) adminMux(database *db.DB) (*http.ServeMux, error) {
	mux := http.NewServeMux()
	if err := database.AttachAdminRoutes(mux); err != nil {
		return nil, err
	}
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/kernels", kernelsHandler(database))
	return mux, nil
}

// kernelsHandler lists the latest kernels as JSON, or the flagged ones with
// ?flagged=true.
func kernelsHandler(database *db.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		list := database.LatestKernelFiles
		if r.URL.Query().Get("flagged") == "true" {
			list = database.FlaggedKernelFiles
		}
		kernels, err := list(r.Context())
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if kernels == nil {
			kernels = []db.KernelFile{}
		}
		httputil.WriteJSON(w, http.StatusOK, kernels)
	}
}

func (a *app) serveCmd(dbPath *string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a SQL console, backups and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zap.S().Named("db")
			database, err := a.openDB(*dbPath)
			if err != nil {
				return err
			}
			defer database.Close()
			mux, err := a.adminMux(database)
			if err != nil {
				return err
			}
			server := &http.Server{
				Addr: listen,
				Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					log.Debugf("got request %q", r.URL.Path)
					mux.ServeHTTP(w, r)
				}),
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				log.Infof("Listening on %s", listen)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("failed to start server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				log.Info("shutting down HTTP server...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.Warnf("HTTP server shutdown error: %v", err)
					return server.Close()
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "Listen address")
	return cmd
}

func (a *app) kernelsCmd(dbPath *string) *cobra.Command {
	var flagged bool
	cmd := &cobra.Command{
		Use:   "kernels",
		Short: "List the latest registered kernels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := a.openDB(*dbPath)
			if err != nil {
				return err
			}
			defer database.Close()
			list := database.LatestKernelFiles
			if flagged {
				list = database.FlaggedKernelFiles
			}
			kernels, err := list(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range kernels {
				f, err := quality.Kernel.Flag(uint64(k.QualityFlag))
				if err != nil {
					return fmt.Errorf("%s: %w", k.FileName, err)
				}
				fmt.Fprintf(a.out, "%-3s r%d %s %s\n", k.Kind, k.Revision, k.FileName, f)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagged, "flagged", false, "Only list kernels with quality flags set")
	return cmd
}

func (a *app) registerKernelCmd(dbPath *string) *cobra.Command {
	var (
		pdsFiles []string
		revision int
	)
	cmd := &cobra.Command{
		Use:   "register-kernel KERNEL",
		Short: "Record a kernel and the PDS files it was made from",
		Long: `Records an SPK or CK in the database. The kernel quality flag is derived
from the construction records of the PDS files: SSC gaps, EDOS fill data,
length discrepancies and PDS files without a stored construction record.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, err := a.openDB(*dbPath)
			if err != nil {
				return err
			}
			defer database.Close()
			names := make([]string, len(pdsFiles))
			for i, p := range pdsFiles {
				names[i] = smartio.Base(p)
			}
			counts, err := database.InputQualityCounts(ctx, names)
			if err != nil {
				return err
			}
			flag := quality.KernelFlag(counts)
			// PDS files without a record are flagged but cannot be linked.
			var linked []string
			for _, n := range names {
				ok, err := database.HasPDSFile(ctx, n)
				if err != nil {
					return err
				}
				if ok {
					linked = append(linked, n)
				}
			}
			k := &db.KernelFile{
				FileName:    smartio.Base(args[0]),
				Revision:    revision,
				QualityFlag: int64(flag.Value()),
				PDSFiles:    linked,
			}
			if err := database.RecordKernelFile(ctx, k); err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.out, "%s: id %d %s\n", k.FileName, k.ID, flag)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&pdsFiles, "pds", nil, "PDS files the kernel was made from")
	cmd.Flags().IntVar(&revision, "revision", 0, "Kernel revision")
	return cmd
}
