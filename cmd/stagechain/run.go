package main

import (
	"context"
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
	"golang.org/x/sync/errgroup"

	"github.com/dcshock/stagechain/logging"
	"github.com/dcshock/stagechain/metrics"
	"github.com/dcshock/stagechain/observer"
	"github.com/dcshock/stagechain/pipeline"
	"github.com/dcshock/stagechain/watch"
)

var (
	runFiles    []string
	runChain    string
	runSets     map[string]string
	runParallel int
	runWatch    bool
	metricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run -f chain.yaml [-f other.yaml]",
	Short: "Run chains from YAML files",
	Long: `Runs the chain defined in each file. Files are run in parallel; a file
that defines several chains needs --chain to name a chain or a sequence.

Examples:
  stagechain run -f media.yaml --set in_file=talk.mp4
  stagechain run -f media.yaml --db runs.db --watch`,
	RunE: runChains,
}

func init() {
	runCmd.Flags().StringSliceVarP(&runFiles, "file", "f", nil, "Chain file (repeatable)")
	runCmd.Flags().StringVar(&runChain, "chain", "", "Chain or sequence to run from a multi-chain file")
	runCmd.Flags().StringToStringVar(&runSets, "set", nil, "Context values (key=value), overriding the file's context")
	runCmd.Flags().IntVar(&runParallel, "parallel", 4, "Maximum files run at once")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Rerun a file's chain whenever the file changes")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	_ = runCmd.MarkFlagRequired("file")
}

// runner executes chain files with a shared observer.
type runner struct {
	obs      pipeline.Observer
	out      io.Writer
	outMu    sync.Mutex
	parallel int
}

func runChains(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	observers := []pipeline.Observer{logging.NewObserver(logger)}
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		observers = append(observers, metrics.NewObserver(reg))
		srv := serveMetrics(metricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		observers = append(observers, observer.NewDBObserver(store))
	}

	r := &runner{obs: pipeline.MultiObserver(observers...), out: cmd.OutOrStdout(), parallel: runParallel}
	err = r.runFiles(ctx, runFiles)
	if !runWatch {
		return err
	}
	if err != nil {
		logger.Error("run failed", zap.Error(err))
	}

	w, err := watch.New(runFiles, 0, func(ctx context.Context, paths []string) {
		if err := r.runFiles(ctx, paths); err != nil {
			logger.Error("run failed", zap.Error(err))
		}
	}, logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// runFiles runs every file, at most r.parallel at a time, and returns the
// first error.
func (r *runner) runFiles(ctx context.Context, files []string) error {
	var g errgroup.Group
	if r.parallel > 0 {
		g.SetLimit(r.parallel)
	}
	reg := newRegistry()
	for _, f := range files {
		g.Go(func() error {
			d, err := loadDefinitions(reg, f)
			if err != nil {
				return err
			}
			return r.runDefinition(ctx, d)
		})
	}
	return g.Wait()
}

func (r *runner) runDefinition(ctx context.Context, d *definitions) error {
	c, seq, err := d.pick(runChain)
	if err != nil {
		return err
	}
	state := d.initialState(runChain, runSets)
	opts := &pipeline.RunOptions{Observer: r.obs}
	if seq != nil {
		reports, err := seq.Run(ctx, state, opts)
		for _, rep := range reports {
			r.print(rep)
		}
		return err
	}
	report, err := c.Run(ctx, state, opts)
	if report != nil {
		r.print(report)
	}
	return err
}

func (r *runner) print(rep *pipeline.Report) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	terminal := rep.Terminal
	if terminal == "" {
		terminal = "interrupted"
	}
	fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", rep.RunID, rep.Chain, terminal, strings.Join(rep.Path(), " -> "))
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}
