// Package config provides global configuration.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Base configuration.
type Base struct {
	DataDir  string
	LogLevel string
}

func (c Base) Default() Base {
	return Base{
		DataDir:  "~/.weft",
		LogLevel: "info",
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Base) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Path to a directory where to store replica data")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log verbosity debug | info | warning | error")
}

// ExpandDataDir is used to expand the home directory in the data directory path.
func (c *Base) ExpandDataDir() error {
	// We allow homedir expansion in the repo path.
	if strings.HasPrefix(c.DataDir, "~") {
		homedir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to detect home directory: %w", err)
		}
		c.DataDir = strings.Replace(c.DataDir, "~", homedir, 1)
	}
	return nil
}

// Sim configures the convergence simulator.
type Sim struct {
	Replicas   int
	Changesets int
	Seed       uint64
	DropRate   float64
	HTTPPort   int
	Snapshot   string
	DumpState  bool
	PrintFinal bool
}

func (c Sim) Default() Sim {
	return Sim{
		Replicas:   3,
		Changesets: 100,
		Seed:       1,
		DropRate:   0.25,
		PrintFinal: true,
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Sim) BindFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Replicas, "replicas", c.Replicas, "Number of concurrent replicas to simulate")
	fs.IntVar(&c.Changesets, "changesets", c.Changesets, "Number of changesets each replica authors")
	fs.Uint64Var(&c.Seed, "seed", c.Seed, "Seed for the random editing scripts")
	fs.Float64Var(&c.DropRate, "drop-rate", c.DropRate, "Probability of delaying a changeset delivery, forcing redelivery")
	fs.IntVar(&c.HTTPPort, "http-port", c.HTTPPort, "Port for the debug HTTP server (0 to disable)")
	fs.StringVar(&c.Snapshot, "snapshot", c.Snapshot, "Name of the snapshot to write the converged document into (empty to skip)")
	fs.BoolVar(&c.DumpState, "dump-state", c.DumpState, "Dump the full document state at the end")
	fs.BoolVar(&c.PrintFinal, "print-final", c.PrintFinal, "Print the converged document text")
}

// Config for the simulator. When adding or removing fields,
// adjust the Default() and BindFlags() accordingly.
type Config struct {
	Base

	Sim Sim
}

// BindFlags configures the given FlagSet with the existing values from the given Config
// and prepares the FlagSet to parse the flags into the Config.
//
// This function is assumed to be called after some default values were set on the given config.
// These values will be used as default values in flags.
// See Default() for the default config values.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	c.Base.BindFlags(fs)
	c.Sim.BindFlags(fs)
}

// Default creates a new default config.
func Default() Config {
	return Config{
		Base: Base{}.Default(),
		Sim:  Sim{}.Default(),
	}
}
