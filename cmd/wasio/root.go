package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wasio-dev/wasio/bridge"
	"github.com/wasio-dev/wasio/host"
)

var rootCmd = &cobra.Command{
	Use:   "wasio",
	Short: "Virtual stdio bridge for sandboxed WebAssembly modules",
	Long: `wasio - Run a WebAssembly module with virtualized standard I/O.

One bridge session is served over this process's own stdio: inbound
messages arrive as JSON lines on stdin, outbound events leave as JSON
lines on stdout. The first stdin message names the module to load:

  {"type":"stdin","sourceLocator":"./server.wasm","data":"hello\n"}

Events mirror the module's streams:

  {"type":"init","sourceLocator":"./server.wasm"}
  {"type":"stdout","data":"HELLO\n"}
  {"type":"stderr","data":"warn: x"}`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

func init() {
	rootCmd.Flags().Duration("timeout", 0, "Maximum module execution time (0 = no limit)")
	rootCmd.Flags().String("memory-limit", "", "Module memory limit: 1mb, 16mb, 64mb, 256mb")
	rootCmd.Flags().Bool("cache", false, "Enable persistent compilation cache")
	rootCmd.Flags().String("cache-dir", "", "Compilation cache directory")
	rootCmd.Flags().Duration("fetch-timeout", 30*time.Second, "Timeout for fetching module bytes")
	rootCmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address")
	rootCmd.Flags().Bool("debug", false, "Verbose logging to stderr")
}

func runBridge(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")

	logger, err := buildLogger(debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()
	bridge.SetLogger(logger.Named("bridge"))
	host.SetLogger(logger.Named("host"))

	var metrics *bridge.Metrics
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		metrics = bridge.NewMetrics(prometheus.DefaultRegisterer)
		go serveMetrics(addr, logger)
	}

	hostOpts, err := hostOptions(cmd)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	var encMu sync.Mutex
	emitter := bridge.EmitterFunc(func(e bridge.Event) {
		encMu.Lock()
		defer encMu.Unlock()
		if err := enc.Encode(e); err != nil {
			logger.Warn("emit event", zap.Error(err))
		}
	})

	ctrl, err := bridge.NewSession(cmd.Context(), emitter,
		bridge.WithSessionMetrics(metrics),
		bridge.WithHostOptions(hostOpts...))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer ctrl.Close()

	return pump(cmd.Context(), cmd.InOrStdin(), ctrl, logger)
}

func hostOptions(cmd *cobra.Command) ([]host.Option, error) {
	var opts []host.Option

	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		opts = append(opts, host.WithRunTimeout(timeout))
	}

	if limit, _ := cmd.Flags().GetString("memory-limit"); limit != "" {
		pages, err := parseMemoryLimit(limit)
		if err != nil {
			return nil, err
		}
		opts = append(opts, host.WithMemoryLimit(pages))
	}

	if cache, _ := cmd.Flags().GetBool("cache"); cache {
		dir, _ := cmd.Flags().GetString("cache-dir")
		opts = append(opts, host.WithDiskCache(dir))
	}

	fetchTimeout, _ := cmd.Flags().GetDuration("fetch-timeout")
	opts = append(opts, host.WithFetchTimeout(fetchTimeout))

	return opts, nil
}

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "1mb":
		return host.MemoryLimit1MB, nil
	case "16mb":
		return host.MemoryLimit16MB, nil
	case "64mb":
		return host.MemoryLimit64MB, nil
	case "256mb":
		return host.MemoryLimit256MB, nil
	default:
		return 0, fmt.Errorf("invalid memory limit %q (expected 1mb, 16mb, 64mb, or 256mb)", s)
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	// Stdout carries the event protocol; logs must go to stderr only.
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

// messageHandler is what pump drives; *bridge.Controller satisfies it.
type messageHandler interface {
	HandleMessage(ctx context.Context, msg bridge.Message) error
}

// pump reads JSON-line messages from r until EOF or context
// cancellation, forwarding each to the handler. Malformed lines are
// logged and skipped: the channel contract makes them a caller bug, not
// a session fault.
func pump(ctx context.Context, r io.Reader, h messageHandler, logger *zap.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg bridge.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Warn("malformed message", zap.Error(err))
			continue
		}

		if err := h.HandleMessage(ctx, msg); err != nil {
			if errors.Is(err, bridge.ErrSessionClosed) {
				return nil
			}
			logger.Warn("message rejected", zap.String("type", msg.Type), zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read messages: %w", err)
	}
	return nil
}
