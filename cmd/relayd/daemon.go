package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/oriys/workerrelay/internal/capability"
	"github.com/oriys/workerrelay/internal/channel"
	"github.com/oriys/workerrelay/internal/config"
	"github.com/oriys/workerrelay/internal/eventbus"
	"github.com/oriys/workerrelay/internal/fakeworker"
	"github.com/oriys/workerrelay/internal/logging"
	"github.com/oriys/workerrelay/internal/metrics"
	"github.com/oriys/workerrelay/internal/observability"
	"github.com/oriys/workerrelay/internal/process"
	"github.com/oriys/workerrelay/internal/sharedmem"
	"github.com/oriys/workerrelay/internal/transport"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		rpcAddr  string
		logLevel string
		fake     bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start one worker channel",
		Long:  "Wire one WorkerDescription from config, start its channel, and serve a status/metrics HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("rpc") {
				cfg.Daemon.RPCAddr = rpcAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured("text", cfg.Daemon.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled: cfg.Channel.ApplicationInsightsEnabled,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			metrics.InitPrometheus("workerrelay", nil)

			broker := eventbus.New(eventbus.Config{})
			sharedMem := sharedmem.New(nil)
			workerID := uuid.NewString()

			var supervisor process.Supervisor
			if fake {
				supervisor = &fakeworker.Supervisor{}
			} else {
				supervisor = process.New()
			}

			ch, err := channel.New(workerID, cfg.Worker, cfg.Channel, broker, supervisor, sharedMem, metrics.Global())
			if err != nil {
				return fmt.Errorf("create channel: %w", err)
			}

			var rpcServer *transport.Server
			var env []string

			if fake {
				fw := &fakeworker.FakeWorker{
					WorkerID: workerID,
					Broker:   broker,
					Capabilities: map[string]string{
						capability.HandlesWorkerTerminate:        "1",
						capability.HandlesInvocationCancel:       "1",
						capability.SupportsLoadResponseCollection: "1",
					},
				}
				ch.SetSender(fw)
				go fw.Announce()
			} else {
				rpcServer = transport.NewServer(func(stream grpc.ServerStream) error {
					link := transport.NewLink(workerID, stream, broker)
					ch.SetSender(link)
					<-link.Done()
					return nil
				})
				if err := rpcServer.Start(cfg.Daemon.RPCAddr); err != nil {
					return fmt.Errorf("start worker listener: %w", err)
				}
				env = append(os.Environ(),
					"WORKERRELAY_HOST_ADDR="+rpcServer.Addr().String(),
					"WORKERRELAY_WORKER_ID="+workerID,
				)
			}

			startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.Channel.StartupTimeout+cfg.Channel.InitTimeout+cfg.Channel.FunctionLoadTimeout)
			go func() {
				defer cancelStart()
				if err := ch.Start(startCtx, env); err != nil {
					logging.Op().Error("channel start failed", "worker_id", workerID, "error", err)
					return
				}
				if err := ch.LoadFunctions(startCtx, cfg.Worker.Functions); err != nil {
					logging.Op().Error("function load failed", "worker_id", workerID, "error", err)
					return
				}
				if cfg.Channel.DynamicConcurrencyEnabled {
					ch.StartLatencyProbe(context.Background())
				}
			}()

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.PrometheusHandler())
			mux.Handle("/metrics.json", metrics.Global().JSONHandler())
			mux.HandleFunc("/status", observability.TracingHandler("relayd.status", statusHandler(ch)))

			httpServer := &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: observability.HTTPMiddleware(mux)}
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("status server stopped", "error", err)
				}
			}()
			logging.Op().Info("relayd status surface listening", "addr", cfg.Daemon.HTTPAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Channel.DrainGracePeriod+5*time.Second)
			defer cancel()

			if err := ch.DrainInvocations(shutdownCtx); err != nil {
				logging.Op().Warn("drain failed", "error", err)
			}
			if err := ch.Terminate(shutdownCtx); err != nil {
				logging.Op().Warn("terminate failed", "error", err)
			}
			if rpcServer != nil {
				rpcServer.Stop()
			}
			_ = httpServer.Close()
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":7071", "Status/metrics HTTP address")
	cmd.Flags().StringVar(&rpcAddr, "rpc", ":7073", "Worker gRPC listener address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().BoolVar(&fake, "fake", false, "Run against an in-process loopback fake worker instead of a real subprocess")

	return cmd
}

func statusHandler(ch *channel.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"worker_id":    ch.WorkerID(),
			"state":        ch.State().String(),
			"capabilities": ch.Capabilities().Snapshot(),
		})
	}
}
