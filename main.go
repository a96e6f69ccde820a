package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"carrytree/pkg/concurrency/lock"
	"carrytree/pkg/concurrency/worker"
	"carrytree/pkg/config"
	dberror "carrytree/pkg/error"
	"carrytree/pkg/engine"
	"carrytree/pkg/logging"
	"carrytree/pkg/primitives"
	"carrytree/pkg/ui"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
)

// Configuration holds the knobs of one stress run.
type Configuration struct {
	Tree        config.Config
	Workers     int
	Ops         int
	KeySpace    uint64
	BodySize    int
	Seed        int64
	DeleteRatio float64
	PasteRatio  float64
	LogLevel    string
	LogFile     string
	MetricsAddr string
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	cfg := Configuration{Tree: config.Default()}
	cmd := &cobra.Command{
		Use:   "carrystress",
		Short: "hammer a carry-balanced tree from concurrent workers and verify it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}

	f := cmd.Flags()
	f.IntVar(&cfg.Workers, "workers", 8, "concurrent workers, one lock stack each")
	f.IntVar(&cfg.Ops, "ops", 100_000, "mutations to run")
	f.Uint64Var(&cfg.KeySpace, "keys", 20_000, "number of distinct keys")
	f.IntVar(&cfg.BodySize, "body-size", 16, "bytes per inserted body")
	f.Int64Var(&cfg.Seed, "seed", 1, "seed of the mutation stream")
	f.Float64Var(&cfg.DeleteRatio, "delete-ratio", 0.3, "share of mutations that delete")
	f.Float64Var(&cfg.PasteRatio, "paste-ratio", 0.1, "share of mutations that append to a body")
	f.IntVar(&cfg.Tree.NodeSize, "node-size", cfg.Tree.NodeSize, "node size in bytes")
	f.Uint64Var(&cfg.Tree.SpaceBlocks, "space", cfg.Tree.SpaceBlocks, "blocks in the space pool")
	f.IntVar(&cfg.Tree.MaxRestarts, "max-restarts", cfg.Tree.MaxRestarts, "restarts of one level before a carry gives up (0 = unbounded)")
	f.StringVar(&cfg.LogLevel, "log-level", "info", "debug, info, warn or error")
	f.StringVar(&cfg.LogFile, "log-file", "", "write logs to this file instead of stderr")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}

func run(ctx context.Context, cfg Configuration) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	cfg.Tree.Log = logging.Config{Level: level, OutputPath: cfg.LogFile, Format: "text"}
	if err := logging.Init(cfg.Tree.Log); err != nil {
		return err
	}
	defer logging.Close()

	reg := prometheus.NewRegistry()
	e, err := engine.Open(cfg.Tree, engine.WithRegisterer(reg))
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	start := time.Now()
	counts, runErr := stress(ctx, e, cfg)
	elapsed := time.Since(start)
	checkErr := e.Check()

	fmt.Println(report(e, cfg, counts, elapsed, runErr, checkErr).Render())
	if runErr != nil {
		return runErr
	}
	return checkErr
}

// outcome tallies what the mutations returned.
type outcome struct {
	applied  map[engine.Kind]int
	rejected map[string]int
}

// stress splits the mutation stream between the workers. Expected user
// errors (EXISTS, NOT_FOUND, ITEM_TOO_LARGE) are counted, anything else ends
// the run.
func stress(ctx context.Context, e *engine.Engine, cfg Configuration) (outcome, error) {
	pool := worker.New(cfg.Workers, e.Locks())
	defer pool.Stop()

	results := make([]outcome, cfg.Workers)
	group := pool.NewGroup()
	per := (cfg.Ops + cfg.Workers - 1) / cfg.Workers
	for w := 0; w < cfg.Workers; w++ {
		res := &results[w]
		res.applied = map[engine.Kind]int{}
		res.rejected = map[string]int{}
		rng := rand.New(rand.NewSource(cfg.Seed + int64(w)))
		n := min(per, cfg.Ops-w*per)

		group.Go(func(s *lock.Stack) error {
			session := e.Session(s)
			for i := 0; i < n; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				m := mutation(rng, cfg)
				err := session.Do(m)
				switch code := dberror.CodeOf(err); {
				case err == nil:
					res.applied[m.Kind]++
				case code == dberror.CodeExists || code == dberror.CodeNotFound || code == dberror.CodeItemTooLarge:
					res.rejected[code]++
				default:
					return fmt.Errorf("%s %s: %w", m.Kind, m.Key, err)
				}
			}
			return nil
		})
	}
	err := group.Wait()

	total := outcome{applied: map[engine.Kind]int{}, rejected: map[string]int{}}
	for _, r := range results {
		for k, v := range r.applied {
			total.applied[k] += v
		}
		for k, v := range r.rejected {
			total.rejected[k] += v
		}
	}
	return total, err
}

func mutation(rng *rand.Rand, cfg Configuration) engine.Mutation {
	k := primitives.NewKey(uint64(rng.Int63n(int64(cfg.KeySpace))), 0)
	switch p := rng.Float64(); {
	case p < cfg.DeleteRatio:
		return engine.Mutation{Kind: engine.KindDelete, Key: k}
	case p < cfg.DeleteRatio+cfg.PasteRatio:
		return engine.Mutation{Kind: engine.KindPaste, Key: k, Body: []byte{byte(p * 256)}}
	case p < cfg.DeleteRatio+cfg.PasteRatio+0.01:
		return engine.Mutation{Kind: engine.KindRelocate, Key: k}
	default:
		body := make([]byte, max(cfg.BodySize, 8))
		binary.BigEndian.PutUint64(body, k.Object)
		return engine.Mutation{Kind: engine.KindInsert, Key: k, Body: body}
	}
}

func report(e *engine.Engine, cfg Configuration, counts outcome, elapsed time.Duration, runErr, checkErr error) *ui.Report {
	st := e.Stats()
	r := &ui.Report{Title: "carrystress"}

	summary := r.Section("run")
	summary.Add("workers", humanize.Comma(int64(cfg.Workers))).
		Add("mutations", humanize.Comma(int64(cfg.Ops))).
		Add("elapsed", elapsed.Round(time.Millisecond).String())
	if secs := elapsed.Seconds(); secs > 0 {
		summary.Add("throughput", humanize.Comma(int64(float64(cfg.Ops)/secs))+" ops/s")
	}
	for _, k := range []engine.Kind{engine.KindInsert, engine.KindPaste, engine.KindDelete, engine.KindRelocate} {
		summary.Add(k.String(), humanize.Comma(int64(counts.applied[k])))
	}
	for _, code := range []string{dberror.CodeExists, dberror.CodeNotFound, dberror.CodeItemTooLarge} {
		if n := counts.rejected[code]; n > 0 {
			summary.Add("rejected "+code, humanize.Comma(int64(n)))
		}
	}

	tree := r.Section("tree")
	tree.Add("height", fmt.Sprint(st.Height)).
		Add("nodes", humanize.Comma(int64(st.Nodes))).
		Add("items", humanize.Comma(int64(st.LeafItems))).
		Add("node size", humanize.IBytes(uint64(cfg.Tree.NodeSize))).
		Add("footprint", humanize.IBytes(uint64(st.Nodes)*uint64(cfg.Tree.NodeSize))).
		Add("space", st.Space.String())

	cm := e.CarryMetrics()
	carry := r.Section("carry")
	carry.Add("carries", count(cm.Carries)).
		Add("levels", count(cm.Levels)).
		Add("restarts", count(cm.Restarts)).
		Add("aborts", count(cm.Aborts)).
		Add("nodes allocated", count(cm.Allocated)).
		Add("roots added", count(cm.RootsAdded)).
		Add("roots killed", count(cm.RootsKilled))

	lm := e.Locks().Metrics()
	locks := r.Section("locks")
	locks.Add("waits", count(lm.Waits)).
		Add("signals", count(lm.Signals)).
		Add("deadlocks", count(lm.Deadlocks)).
		Add("retries", count(lm.Retries)).
		Add("invalid", count(lm.Invalid)).
		Add("descents", humanize.Comma(int64(st.Descents))).
		Add("descent restarts", humanize.Comma(int64(st.Restarts)))

	switch {
	case runErr != nil:
		r.Status, r.Message = ui.StatusFailed, runErr.Error()
	case checkErr != nil:
		r.Status, r.Message = ui.StatusFailed, checkErr.Error()
	case counts.rejected[dberror.CodeItemTooLarge] > 0:
		r.Status, r.Message = ui.StatusWarning, "tree consistent, some pastes outgrew a node"
	default:
		r.Status, r.Message = ui.StatusOK, "tree consistent"
	}
	return r
}

func count(c prometheus.Counter) string {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return "?"
	}
	return humanize.Comma(int64(m.GetCounter().GetValue()))
}
