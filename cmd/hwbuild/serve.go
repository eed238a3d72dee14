package main

import (
	"github.com/spf13/cobra"

	"github.com/danshapiro/hwbuild/internal/server"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the build, streaming, websocket and A2A endpoints",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			p, err := a.openPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			opts := server.Options{
				Addr:          a.cfg.Addr(),
				MaxConcurrent: a.cfg.Server.MaxConcurrent,
				Orchestrator:  p.o,
				DBPath:        a.cfg.Parts.DB,
				Metrics:       p.metrics,
				Logger:        a.logger,
			}
			if p.catalog != nil {
				opts.Catalog = p.catalog
			}
			srv, err := server.New(opts)
			if err != nil {
				return err
			}
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	a.bind("host", cmd.Flags().Lookup("host"))
	a.bind("port", cmd.Flags().Lookup("port"))
	return cmd
}
