package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/ctxdriver/internal/contexts"
	"github.com/standardbeagle/ctxdriver/internal/proxy"
)

const shutdownTimeout = 10 * time.Second

var proxyOpts struct {
	context     string
	listen      string
	autoTimeout time.Duration
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Serve WebDriver commands for a webview context",
	Long: `Start the command proxy and switch to a webview context.

Commands sent to the listen address are routed to the browser driver
session for the active context. Use --context to pick a webview by name,
or leave it empty to wait for the application's default webview.`,
	RunE: runProxy,
}

func init() {
	proxyCmd.Flags().StringVarP(&proxyOpts.context, "context", "c", "", "Context to switch to (default: the application's default webview)")
	proxyCmd.Flags().StringVarP(&proxyOpts.listen, "listen", "l", "", "Listen address (default from config)")
	proxyCmd.Flags().DurationVar(&proxyOpts.autoTimeout, "auto-timeout", 20*time.Second, "How long to wait for the default webview")
}

func runProxy(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fatal := make(chan error, 1)
	rt, err := newRuntime(cmd, func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer rt.close()

	listen := rt.cfg.Driver.Listen
	if cmd.Flags().Changed("listen") {
		listen = proxyOpts.listen
	}
	server := proxy.NewServer(proxy.ServerConfig{ListenAddr: listen}, rt.proxy, rt.log.Named("server"))
	if err := server.Start(ctx); err != nil {
		return err
	}

	runErr := switchContext(ctx, rt.registry)
	if runErr == nil {
		rt.log.Info("command proxy ready",
			zap.String("addr", server.Addr()),
			zap.String("context", rt.registry.CurrentContext()))
		fmt.Fprintf(cmd.OutOrStdout(), "%s serving %s\n", server.Addr(), rt.registry.CurrentContext())

		select {
		case <-ctx.Done():
			rt.log.Info("shutting down")
		case err := <-fatal:
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.registry.Close(shutdownCtx); err != nil {
		rt.log.Warn("backend sessions did not stop cleanly", zap.Error(err))
	}
	if err := server.Stop(shutdownCtx); err != nil {
		rt.log.Warn("proxy server did not stop cleanly", zap.Error(err))
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func switchContext(ctx context.Context, reg *contexts.Registry) error {
	if proxyOpts.context != "" {
		return reg.SetContext(ctx, proxyOpts.context)
	}
	return reg.AutoWebview(ctx, proxyOpts.autoTimeout)
}
