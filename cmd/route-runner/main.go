// Command route-runner executes one route file over a batch of JSON records
// and prints the execution result.
//
// Usage:
//
//	route-runner -route orders.yaml -input orders.jsonl
//	cat orders.json | route-runner -route orders.yaml
//
// Exit status is 0 when the execution succeeded, 1 when it partially failed
// or failed, and 2 when the route could not be loaded or the input read.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"data-router/internal/circuitbreaker"
	"data-router/internal/common/logging"
	"data-router/internal/config"
	"data-router/internal/delivery"
	"data-router/internal/destinations"
	"data-router/internal/metrics"
	"data-router/internal/record"
	"data-router/internal/routing"
)

const (
	exitSucceeded = 0
	exitFailed    = 1
	exitUsage     = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("route-runner", flag.ContinueOnError)
	flags.SetOutput(stderr)
	routePath := flags.String("route", "", "route file (YAML or JSON)")
	inputPath := flags.String("input", "-", "records as a JSON array or JSON lines, - for stdin")
	timeout := flags.Duration("timeout", 0, "abort the execution after this long, 0 for no limit")
	envFile := flags.String("env", "", "env file to load before reading the environment")
	if err := flags.Parse(args); err != nil {
		return exitUsage
	}
	if *routePath == "" {
		fmt.Fprintln(stderr, "route-runner: -route is required")
		flags.Usage()
		return exitUsage
	}

	cfg, err := loadConfig(*envFile)
	if err != nil {
		fmt.Fprintf(stderr, "route-runner: %v\n", err)
		return exitUsage
	}

	closer, err := logging.InitGlobalLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(stderr, "route-runner: %v\n", err)
		return exitUsage
	}
	defer closer.Close()
	defer logging.MustSync()

	logger := logging.GetGlobalLogger()
	logger.Debug("Configuration loaded", logging.String("config", cfg.String()))

	routeFile, err := routing.ReadRouteFile(*routePath)
	if err != nil {
		logger.Error("Failed to read route file", err, logging.String("path", *routePath))
		return exitUsage
	}
	connectorRegistry, err := routeFile.BuildConnectors()
	if err != nil {
		logger.Error("Failed to build connectors", err)
		return exitUsage
	}

	batch, err := readBatch(*inputPath, stdin)
	if err != nil {
		logger.Error("Failed to read input records", err, logging.String("input", *inputPath))
		return exitUsage
	}

	registry := prometheus.NewRegistry()
	var routerMetrics *metrics.Metrics
	if cfg.MetricsEnabled {
		routerMetrics = metrics.New(cfg.Namespace(), registry)
		if err := routerMetrics.Register(); err != nil {
			logger.Error("Failed to register metrics", err)
			return exitUsage
		}
	}

	var breakers *circuitbreaker.Manager
	if cfg.BreakerEnabled {
		breakers = delivery.NewBreakers(cfg.BreakerConfig(), logger)
	}

	if cfg.MetricsAddr != "" {
		stop := startOpsServer(cfg.MetricsAddr, newOpsRouter(registry, breakers), logger)
		defer stop()
	}

	driver := delivery.NewDriver(
		delivery.WithLogger(logger),
		delivery.WithMetrics(routerMetrics),
		delivery.WithBreakers(breakers),
	)
	factory := destinations.NewRegistry(logger, destinations.WithRegisterer(registry))
	executor := routing.NewExecutor(routing.ExecutorConfig{
		Loader:                    routing.NewLoader(factory, cfg.DeliveryPolicy(), logger),
		Driver:                    driver,
		Connectors:                connectorRegistry,
		Metrics:                   routerMetrics,
		Logger:                    logger,
		MaxConcurrentDestinations: cfg.MaxConcurrentDestinations,
	})

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	started := time.Now()
	result, err := executor.ExecuteRoute(ctx, routeFile.Route, routeFile.Destinations, batch)
	if result == nil {
		logger.Error("Failed to load route", err, logging.String("route_id", routeFile.Route.ID))
		return exitUsage
	}

	logger.Info("Route executed",
		logging.String("route_id", result.RouteID),
		logging.String("execution_id", result.ExecutionID),
		logging.String("state", string(result.State)),
		logging.Duration("duration", time.Since(started)),
	)

	out, err := record.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Error("Failed to encode result", err)
		return exitFailed
	}
	fmt.Fprintln(stdout, string(out))

	if result.State != routing.StateSucceeded {
		return exitFailed
	}
	return exitSucceeded
}

func loadConfig(envFile string) (*config.Config, error) {
	if envFile != "" {
		return config.LoadFile(envFile)
	}
	return config.Load()
}

func readBatch(path string, stdin io.Reader) (record.Batch, error) {
	if path == "-" {
		return record.DecodeBatch(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return record.DecodeBatch(f)
}
