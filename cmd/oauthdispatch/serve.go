package main

import (
	"context"

	"github.com/dpup/oauthdispatch"
	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/logging"
	"github.com/dpup/oauthdispatch/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if errs := oauthdispatch.CheckConfig(); len(errs) > 0 {
				return errors.New(oauthdispatch.FormatValidationErrors(errs))
			}
			logger := newLogger()
			ctx := logging.With(cmd.Context(), logger)

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			svc, err := newService(ctx, store, logger.Named("oauth"))
			if err != nil {
				return err
			}

			opts := []server.ServerOption{
				server.WithLogger(logger),
				server.WithHTTPHandler("/", svc.Handler()),
			}
			if cmd.Flags().Changed("host") {
				opts = append(opts, server.WithHost(host))
			}
			if cmd.Flags().Changed("port") {
				opts = append(opts, server.WithPort(port))
			}
			srv := server.New(opts...)
			logging.Infow(ctx, "Starting server",
				"address", srv.Addr(),
				"storage.driver", oauthdispatch.ConfigString("storage.driver"),
				"cache.driver", oauthdispatch.ConfigString("cache.driver"))
			return srv.Start()
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Interface to bind, overrides server.host")
	cmd.Flags().IntVar(&port, "port", 0, "Port to bind, overrides server.port")
	return cmd
}

// commandContext returns the command's context with a logger for admin
// commands.
func commandContext(cmd *cobra.Command) context.Context {
	return logging.With(cmd.Context(), newLogger())
}
