// Command sniproxy is the process entrypoint: load configuration, print
// the startup banner, start the metrics endpoint, and run the dispatch
// server until a shutdown signal arrives. SIGHUP reloads the configuration
// file without restarting any listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sniproxy/internal/config"
	"sniproxy/internal/metrics"
	"sniproxy/internal/server"
	"sniproxy/internal/ui"
)

func main() {
	configPath := flag.String("config", "/etc/sniproxy/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	ui.PrintBanner()

	cfg, err := config.Load(*configPath)
	if err != nil {
		ui.LogStatus("error", "Failed to load config: "+err.Error())
		os.Exit(1)
	}

	env := config.LoadEnvOverlay(cfg.EnvFile)
	if env.LogLevel != "" {
		ui.SetLevel(env.LogLevel)
	} else {
		ui.SetLevel(cfg.LogLevel)
	}
	if env.IsProduction() {
		ui.LogStatus("info", "Environment: "+ui.Success("PRODUCTION"))
	} else {
		ui.LogStatus("info", "Environment: "+ui.Warn("DEVELOPMENT"))
	}

	printConfigSummary(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Address)
		metricsSrv.Start()
		ui.LogStatus("info", "Metrics: http://"+cfg.Metrics.Address+"/metrics")

		go func() {
			<-ctx.Done()
			metricsSrv.Shutdown(context.Background())
		}()
	}

	srv := server.New(cfg)

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-sighup:
				ui.LogStatus("info", "SIGHUP received, reloading configuration...")
				reloaded, err := config.Load(*configPath)
				if err != nil {
					ui.LogStatus("error", "Reload failed: "+err.Error())
					continue
				}
				srv.Handler.SetConfig(reloaded)
				ui.SetLevel(reloaded.LogLevel)
				ui.LogStatus("success", "Configuration reloaded.")
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := srv.Start(ctx); err != nil {
		ui.LogStatus("error", "Server failed: "+err.Error())
		os.Exit(1)
	}

	ui.LogStatus("success", "Shutdown complete.")
	ui.PrintFooter("Goodbye.")
}

func printConfigSummary(cfg *config.Config) {
	ui.LogGroup("Configuration")
	ui.LogGroupItem("listeners", strings.Join(cfg.ListenAddrs, ", "))
	if len(cfg.UDPListenAddrs) > 0 {
		ui.LogGroupItem("udp listeners", strings.Join(cfg.UDPListenAddrs, ", "))
	}
	if len(cfg.Allowlist) > 0 {
		ui.LogGroupItem("allowlist", fmt.Sprintf("%d patterns", len(cfg.Allowlist)))
	} else {
		ui.LogGroupItem("allowlist", ui.Muted("absent, allowing all"))
	}
	if cfg.Pool.Enabled {
		ui.LogGroupItem("pool", fmt.Sprintf("max %d/host, ttl %s", cfg.Pool.MaxPerHost, cfg.Pool.ConnectionTTL.Duration()))
	} else {
		ui.LogGroupItem("pool", "disabled")
	}
	ui.LogGroupItem("max connections", fmt.Sprintf("%d", cfg.MaxConnections))
	ui.LogGroupEnd()
}
