// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/passim"
	"github.com/poiesic/passim/config"
)

// engineOptions are passed to every engine the CLI opens.
var engineOptions []passim.EngineOption

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "passim",
		Usage: "Semantic sentence retrieval with section context",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML configuration file",
				EnvVars: []string{"PASSIM_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "BadgerDB directory or postgres:// connection string",
			},
			&cli.StringFlag{
				Name:    "selector",
				Aliases: []string{"s"},
				Usage:   "Corpus and matching function, e.g. main+distance or mini_sentences+innerProduct",
			},
		},
		Before: func(c *cli.Context) error {
			return setupLogger(c.String("log-level"))
		},
		Commands: []*cli.Command{
			{
				Name:      "query",
				Usage:     "Find the sentences most similar to TEXT with their neighbours",
				ArgsUsage: "TEXT",
				Action:    queryCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "title",
						Usage: "Section title prepended to the query text",
					},
					&cli.IntFlag{
						Name:  "offset",
						Usage: "Return the sentence this many positions from each match",
					},
					&cli.IntFlag{
						Name:    "top-k",
						Aliases: []string{"k"},
						Usage:   "Number of matches to return (0 uses the configured default)",
					},
					&cli.Float64Flag{
						Name:  "threshold",
						Usage: "Minimum similarity, exclusive (unset uses the configured default)",
					},
					&cli.StringSliceFlag{
						Name:  "filter",
						Usage: "Tag filter as key=value, repeatable",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print results as JSON",
					},
				},
			},
			{
				Name:      "ingest",
				Usage:     "Embed and store sentences read from a JSON Lines file",
				ArgsUsage: "FILE.jsonl",
				Action:    ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "corpus",
						Usage: "Corpus to write into (defaults to the selector's corpus)",
					},
					&cli.BoolFlag{
						Name:  "seal",
						Usage: "Seal the corpus after ingesting",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of sentences per embedding request and insert",
					},
				},
			},
			{
				Name:   "reembed",
				Usage:  "Copy a sealed corpus into a new corpus embedded with another model",
				Action: reembedCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "from",
						Usage: "Source corpus (defaults to the selector's corpus)",
					},
					&cli.StringFlag{
						Name:     "to",
						Usage:    "Target corpus, created if missing",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "embedding-model",
						Usage:    "Embedding model name for the target corpus",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Maximum attempts per embedding request",
					},
					&cli.DurationFlag{
						Name:  "retry-delay",
						Usage: "Base delay for exponential backoff",
						Value: 1 * time.Second,
					},
				},
			},
			{
				Name:   "corpora",
				Usage:  "List corpora and their manifests",
				Action: corporaCommand,
			},
		},
	}
}

// loadConfig reads the configuration file and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if db := c.String("db"); db != "" {
		if strings.HasPrefix(db, "postgres://") || strings.HasPrefix(db, "postgresql://") {
			cfg.Store.Driver = config.DriverPostgres
			cfg.Store.DSN = db
		} else {
			cfg.Store.Driver = config.DriverBadger
			cfg.Store.Path = db
			cfg.Store.InMemory = false
		}
	}
	if sel := c.String("selector"); sel != "" {
		cfg.Store.Selector = sel
	}
	if !c.IsSet("log-level") && cfg.LogLevel != "" {
		if err := setupLogger(cfg.LogLevel); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}
}

func setupLogger(levelStr string) error {
	level, err := parseLevel(levelStr)
	if err != nil {
		return err
	}

	// Log to stderr so query output on stdout stays clean
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
