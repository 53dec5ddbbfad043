// Command weft-sim simulates a number of replicas concurrently editing one
// document and gossiping changesets to each other, then checks that every
// replica converged to the same document.
package main

import (
	"errors"
	"flag"
	"os"
	"slices"

	_ "expvar"
	_ "net/http/pprof"

	"weft/backend/config"
	"weft/backend/logging"

	"github.com/burdiyan/go/mainutil"
	"github.com/peterbourgon/ff/v4"
)

func main() {
	const envVarPrefix = "WEFT"

	mainutil.Run(func() error {
		ctx := mainutil.TrapSignals()

		fs := flag.NewFlagSet("weft-sim", flag.ExitOnError)

		cfg := config.Default()
		cfg.BindFlags(fs)

		err := ff.Parse(fs, slices.Clone(os.Args[1:]), ff.WithEnvVarPrefix(envVarPrefix))
		if err != nil {
			if errors.Is(err, ff.ErrHelp) {
				fs.Usage()
				return nil
			}

			return err
		}

		if err := cfg.Base.ExpandDataDir(); err != nil {
			return err
		}

		log := logging.New("weft-sim", cfg.LogLevel)

		return runSim(ctx, cfg, log)
	})
}
