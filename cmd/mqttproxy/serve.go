package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/joeycumines/go-mqttpipe/channel"
	"github.com/joeycumines/go-mqttpipe/loop"
	"github.com/joeycumines/go-mqttpipe/metrics"
	"github.com/joeycumines/go-mqttpipe/mqtt"
	"github.com/joeycumines/go-mqttpipe/transport/tcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept MQTT connections and relay them through the pipeline",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":1883", "address to accept MQTT connections on")
	serveCmd.Flags().String("metrics-addr", ":9090", "address to serve Prometheus metrics on")
	serveCmd.Flags().Uint32("max-message-size", 256*1024*1024, "maximum accepted MQTT frame size (fixed header plus remaining length), in bytes")
	serveCmd.Flags().Duration("keepalive", 0, "if non-zero, install a keep-alive handler pinging on this interval")
	serveCmd.Flags().Int("keepalive-max-missed", 3, "consecutive unanswered pings tolerated before closing the channel")
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	maxMessageSize, _ := cmd.Flags().GetUint32("max-message-size")
	keepalive, _ := cmd.Flags().GetDuration("keepalive")
	keepaliveMaxMissed, _ := cmd.Flags().GetInt("keepalive-max-missed")

	sink := metrics.NewPrometheusSink(prometheus.DefaultRegisterer)

	metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			processLog.Error().Err(err).Msg("metrics server exited")
		}
	}()

	ln, err := tcp.Listen(addr)
	if err != nil {
		return err
	}
	processLog.Info().Str("addr", addr).Str("metrics_addr", metricsAddr).Msg("mqttproxy listening")

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	newConn := func(conn net.Conn, l *loop.Loop) (*channel.Channel, *tcp.Transport, error) {
		ch, tr := tcp.NewChannel(conn, l, nil,
			channel.WithServerRole(true),
			channel.WithMaxMessageSize(maxMessageSize),
			channel.WithMetrics(sink),
		)
		if err := ch.Pipeline().AddLast("codec", mqtt.NewCodecHandler(sink)); err != nil {
			return nil, nil, err
		}
		if keepalive > 0 {
			if err := ch.Pipeline().AddLast("keepalive", mqtt.NewKeepAliveHandler(keepalive, keepaliveMaxMissed)); err != nil {
				return nil, nil, err
			}
		}
		return ch, tr, nil
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- ln.Serve(ctx, newConn, func(err error) {
			processLog.Warn().Err(err).Msg("connection handling failed")
		})
	}()

	select {
	case <-ctx.Done():
		processLog.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			processLog.Error().Err(err).Msg("listener stopped")
		}
	}

	_ = ln.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}
