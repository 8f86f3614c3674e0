package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkdata/frontdoor"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	upstream string
	logLevel string
	profile  bool
	drain    time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the front end",
	Long: `Start the front end with the given configuration.

Requests are forwarded to the upstream URL from the configuration or the
--upstream flag. Without an upstream every request is echoed back.

Examples:
  frontdoor serve
  frontdoor serve --config /etc/frontdoor.yaml
  frontdoor serve --upstream http://127.0.0.1:9000 --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveFlags.upstream, "upstream", "u", "", "override upstream URL")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level")
	serveCmd.Flags().BoolVar(&serveFlags.profile, "profile", false, "write cpu profile to file")
	serveCmd.Flags().DurationVar(&serveFlags.drain, "drain", 10*time.Second, "how long to wait for connections on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveFlags.profile {
		defer profile.Start().Stop()
	}

	cfg, err := frontdoor.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if serveFlags.upstream != "" {
		cfg.Upstream.URL = serveFlags.upstream
	}
	if serveFlags.logLevel != "" {
		cfg.Log.Level = serveFlags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := frontdoor.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	frontdoor.Logger = logger

	var handler http.Handler = echoHandler{}
	if cfg.Upstream.URL != "" {
		u, err := url.Parse(cfg.Upstream.URL)
		if err != nil {
			return errors.WithStack(err)
		}
		handler = frontdoor.NewReverseProxy(u, cfg.Upstream.MaxConnections)
		logger.Info().Str("upstream", u.String()).Msg("reverse proxy")
	}

	srv := &frontdoor.Server{
		Factory: frontdoor.HandlerPipeline(handler),
		Logger:  &logger,
		Metrics: frontdoor.NewMetrics(),
	}
	cfg.Apply(srv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TLS.Enabled() {
		cr, err := frontdoor.NewCertReloader(cfg.TLS.CertFile, cfg.TLS.KeyFile, logger)
		if err != nil {
			return err
		}
		srv.TLSConfig = cr.TLSConfig()
		if cfg.TLS.Watch {
			go func() {
				if err := cr.Watch(ctx); err != nil {
					logger.Error().Err(err).Msg("certificate watch")
				}
			}()
		}
	}

	if cfg.Admin.Addr != "" {
		admin := &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           frontdoor.NewAdminHandler(srv),
			ReadHeaderTimeout: 5 * time.Second,
		}
		defer admin.Close()
		go func() {
			logger.Info().Str("addr", admin.Addr).Msg("admin listening")
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("admin")
			}
		}()
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if errors.Cause(err) == frontdoor.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Dur("drain", serveFlags.drain).Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), serveFlags.drain)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn().Err(err).Msg("shutdown")
	}
	<-errc
	st := srv.Stats()
	logger.Info().Int64("read", st.BytesRead).Int64("written", st.BytesWritten).Msg("stopped")
	return nil
}
