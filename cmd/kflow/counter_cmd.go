package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/on-the-ground/kflow_go/flow"
	"github.com/on-the-ground/kflow_go/flow/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var counterCmd = &cobra.Command{
	Use:   "counter",
	Short: "Run a counter view model",
	Long: `Reads commands from stdin, one per line: inc [n], dec [n], reset, load, quit.
Every state change is printed as it is bound.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := newLogger(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		seed, _ := cmd.Flags().GetInt("seed")
		delay, _ := cmd.Flags().GetDuration("load-delay")
		wait, _ := cmd.Flags().GetBool("wait")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts := []flow.Option{flow.WithConfig(cfg), flow.WithLogger(logger)}
		if metricsAddr != "" {
			collector := metrics.NewCollector("kflow_counter")
			shutdown, err := serveMetrics(metricsAddr, collector, logger)
			if err != nil {
				return err
			}
			defer shutdown()
			opts = append(opts, flow.WithObserver(collector))
		}

		emitter := counterEmitter{
			source: func(context.Context) (int, error) { return seed, nil },
			delay:  delay,
		}
		vm, err := flow.NewViewModel[Command, Event, Counter](ctx, emitter, opts...)
		if err != nil {
			return err
		}
		defer vm.Close()

		return runCounter(ctx, vm, cmd.InOrStdin(), cmd.OutOrStdout(), wait)
	},
}

func init() {
	rootCmd.AddCommand(counterCmd)

	counterCmd.Flags().Int("seed", 42, "Value returned by load")
	counterCmd.Flags().Duration("load-delay", 500*time.Millisecond, "How long load takes")
	counterCmd.Flags().Bool("wait", false, "Wait for each command and print the resulting state")
	counterCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :2112)")
}

// runCounter feeds the lines of in to vm until quit, EOF or ctx is done.
func runCounter(
	ctx context.Context,
	vm *flow.ViewModel[Command, Event, Counter],
	in io.Reader,
	out io.Writer,
	wait bool,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !wait {
		renderCtx, cancel := context.WithCancel(ctx)
		rendered := make(chan struct{})
		go func() {
			defer close(rendered)
			for snap := range vm.Changes(renderCtx) {
				fmt.Fprintln(out, snap.Value)
			}
		}()
		defer func() {
			cancel()
			<-rendered
		}()
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "quit", "exit":
			return nil
		}
		c, err := parseCommand(line)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		if !wait {
			if err := vm.Dispatch(ctx, c); err != nil {
				return err
			}
			continue
		}
		s, err := vm.DispatchAndWait(ctx, c)
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintln(out, err)
		}
		fmt.Fprintln(out, s)
	}
}

func serveMetrics(addr string, collector *metrics.Collector, logger *zap.Logger) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := collector.Register(reg); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
