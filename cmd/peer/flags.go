package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

var (
	vocabSize    int64
	dim          int64
	numLayers    int64
	numHeads     int64
	numExperts   int64
	topK         int64
	batchSize    int64
	numEpochs    int64
	learningRate float64
	dataset      string

	seqLen        int64
	tokenizerDir  string
	plotsDir      string
	checkpointDir string
	statusAddr    string
	rendezvous    time.Duration
	seed          int64
	gradClip      float64
	logLevel      string
	logFormat     string
	debug         bool
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "vocab-size",
			Usage:       "vocabulary size of the output head",
			Required:    true,
			Destination: &vocabSize,
		},
		&cli.Int64Flag{
			Name:        "dim",
			Usage:       "embedding dimension",
			Required:    true,
			Destination: &dim,
		},
		&cli.Int64Flag{
			Name:        "num-layers",
			Usage:       "transformer layer count",
			Required:    true,
			Destination: &numLayers,
		},
		&cli.Int64Flag{
			Name:        "num-heads",
			Usage:       "attention head count",
			Required:    true,
			Destination: &numHeads,
		},
		&cli.Int64Flag{
			Name:        "num-experts",
			Usage:       "expert count, must be a perfect square",
			Required:    true,
			Destination: &numExperts,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "experts retrieved per token",
			Required:    true,
			Destination: &topK,
		},
	}
}

func trainingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "batch-size",
			Usage:       "sequences per optimizer step, per process",
			Required:    true,
			Destination: &batchSize,
		},
		&cli.Int64Flag{
			Name:        "num-epochs",
			Usage:       "training epochs",
			Required:    true,
			Destination: &numEpochs,
		},
		&cli.Float64Flag{
			Name:        "learning-rate",
			Usage:       "Adam learning rate",
			Required:    true,
			Destination: &learningRate,
		},
		&cli.StringFlag{
			Name:        "dataset",
			Usage:       "dataset directory with train and validation splits",
			Required:    true,
			Destination: &dataset,
		},
		&cli.Int64Flag{
			Name:        "seq-len",
			Usage:       "tokens per training example",
			Value:       128,
			Destination: &seqLen,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "directory holding vocab.json and merges.txt",
			Required:    true,
			Destination: &tokenizerDir,
		},
		&cli.Float64Flag{
			Name:        "grad-clip",
			Usage:       "global gradient norm clip (0 disables)",
			Value:       1.0,
			Destination: &gradClip,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for init and shard shuffling",
			Value:       42,
			Destination: &seed,
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "plots-dir",
			Usage:       "directory for per-epoch loss plots",
			Value:       "plots",
			Destination: &plotsDir,
		},
		&cli.StringFlag{
			Name:        "checkpoint-dir",
			Usage:       "directory for model snapshots",
			Value:       ".",
			Destination: &checkpointDir,
		},
		&cli.StringFlag{
			Name:        "status-addr",
			Usage:       "coordinator status endpoint address (empty disables)",
			Destination: &statusAddr,
		},
		&cli.DurationFlag{
			Name:        "rendezvous-timeout",
			Usage:       "deadline for assembling the process group",
			Value:       2 * time.Minute,
			Destination: &rendezvous,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, text, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "shorthand for --log-level debug",
			Destination: &debug,
		},
	}
}
