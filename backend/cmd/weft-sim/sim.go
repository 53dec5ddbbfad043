package main

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"time"

	"weft/backend/blob"
	"weft/backend/config"
	"weft/backend/core"
	"weft/backend/docmodel"
	"weft/backend/logging"
	"weft/backend/storage"
	"weft/backend/util/cleanup"
	"weft/backend/util/debugx"

	"github.com/google/go-cmp/cmp"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type delivery = blob.Encoded[*blob.Changeset]

func runSim(ctx context.Context, cfg config.Config, log *zap.Logger) (err error) {
	if cfg.Sim.Replicas < 2 {
		return fmt.Errorf("need at least 2 replicas, got %d", cfg.Sim.Replicas)
	}
	if cfg.Sim.Changesets < 1 {
		return fmt.Errorf("need at least 1 changeset per replica, got %d", cfg.Sim.Changesets)
	}

	var clean cleanup.Stack
	defer func() {
		err = errors.Join(err, clean.Close())
	}()

	// The data directory owns the first replica's identity,
	// so repeated runs against the same directory keep working.
	var store *storage.Store
	if cfg.Sim.Snapshot != "" {
		store, err = storage.Open(cfg.DataDir, nil, log)
		if err != nil {
			return err
		}
		clean.Add(store)
	}

	if cfg.Sim.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/debug/metrics", promhttp.Handler())
		mux.Handle("/debug/logs", logging.DebugHandler())
		mux.Handle("/debug/", http.DefaultServeMux) // expvar and pprof.

		srv := &http.Server{
			Addr:    fmt.Sprintf("localhost:%d", cfg.Sim.HTTPPort),
			Handler: mux,
		}
		clean.AddErrFunc(func() error {
			return srv.Shutdown(context.Background())
		})

		go func() {
			log.Info("DebugServerStarted", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("DebugServerFailed", zap.Error(err))
			}
		}()
	}

	replicas := make([]*replica, cfg.Sim.Replicas)
	inboxCap := (cfg.Sim.Replicas - 1) * cfg.Sim.Changesets
	for i := range replicas {
		kp := simKeyPair(cfg.Sim.Seed, i)
		if i == 0 && store != nil {
			kp = store.KeyPair()
		}

		name := fmt.Sprintf("replica-%d", i)
		replicas[i] = &replica{
			name:     name,
			identity: kp.Principal(),
			doc:      docmodel.NewDoc(kp),
			rng:      rand.New(rand.NewPCG(cfg.Sim.Seed, uint64(i))),
			cfg:      cfg.Sim,
			log:      log.Named(name),
			inbox:    make(chan delivery, inboxCap+1),
			expected: cfg.Sim.Replicas * cfg.Sim.Changesets,
		}
	}
	for _, r := range replicas {
		for _, p := range replicas {
			if p != r {
				r.peers = append(r.peers, p)
			}
		}
	}

	// The first replica authors the root changeset, and everybody applies it
	// before the race starts, so all replicas edit the same document.
	root, err := replicas[0].doc.InsertAt(docmodel.Pos{}, "weft\r")
	if err != nil {
		return err
	}
	replicas[0].authored++
	for _, r := range replicas[1:] {
		if err := r.doc.ApplyChangeset(root); err != nil {
			return err
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range replicas {
		g.Go(func() error {
			return r.run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	want, err := replicas[0].doc.Document()
	if err != nil {
		return err
	}
	for _, r := range replicas[1:] {
		got, err := r.doc.Document()
		if err != nil {
			return err
		}
		if diff := cmp.Diff(want, got); diff != "" {
			return fmt.Errorf("replicas %s and %s diverged:\n%s", replicas[0].name, r.name, diff)
		}
	}

	printSummary(replicas, want, elapsed)

	if cfg.Sim.PrintFinal {
		fmt.Println(strings.ReplaceAll(want.Text(), "\r", "\n"))
	}

	if cfg.Sim.DumpState {
		debugx.DumpAll(want)
	}

	if store != nil {
		if err := store.SaveSnapshot(cfg.Sim.Snapshot, replicas[0].doc.Changesets()); err != nil {
			return err
		}
		log.Info("SnapshotWritten",
			zap.String("name", cfg.Sim.Snapshot),
			zap.String("dataDir", cfg.DataDir),
		)
	}

	return nil
}

// simKeyPair derives a deterministic replica identity from the sim seed,
// so runs with equal parameters are reproducible.
func simKeyPair(seed uint64, i int) *core.KeyPair {
	sum := sha256.Sum256(fmt.Appendf(nil, "weft-sim-%d-%d", seed, i))
	return core.NewKeyPair(ed25519.NewKeyFromSeed(sum[:]))
}

func printSummary(replicas []*replica, doc *docmodel.Document, elapsed time.Duration) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Replica", "Principal", "Changesets", "Ops", "Deferred Deliveries"})
	for _, r := range replicas {
		t.AppendRow(table.Row{
			r.name,
			r.identity.String(),
			len(r.doc.Changesets()),
			r.doc.Log().Len(),
			r.redelivered,
		})
	}
	t.AppendFooter(table.Row{"converged", "", "", fmt.Sprintf("%d paragraphs", len(doc.Paragraphs)), elapsed.Round(time.Millisecond)})
	t.Render()
}
