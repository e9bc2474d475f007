package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"meshgate.org/internal/httpapi"
	"meshgate.org/internal/obs"
)

const healthSyncInterval = 5 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c)
		},
	}
	cmd.Flags().String("addr", ":3000", "HTTP listen address")
	_ = c.v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	cmd.Flags().String("grpc-addr", ":9090", "gRPC health listen address, empty disables")
	_ = c.v.BindPFlag("grpc_addr", cmd.Flags().Lookup("grpc-addr"))
	return cmd
}

func serve(ctx context.Context, c *cli) (err error) {
	cfg, logger := c.cfg, c.logger
	obs.Init()
	obs.InitBuildInfo(version, commit)

	connectCtx, cancel := context.WithTimeout(ctx, 10*cfg.StoreTimeout)
	gw, err := buildGateway(connectCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, gw.close()) }()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw.api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			_ = srv.Close()
			return err
		}
		grpcSrv = grpc.NewServer()
		health := httpapi.NewGRPCServer(gw.ready)
		health.Register(grpcSrv)
		go health.Run(healthCtx, healthSyncInterval)
		go func() {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	// Ending Run marks every service NOT_SERVING. Open Watch streams hold
	// GracefulStop, so it is bounded by the shutdown timeout.
	stopHealth()
	if grpcSrv != nil {
		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}
	}
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		err = multierr.Append(err, serr)
	}
	logger.Info("stopped")
	return err
}
