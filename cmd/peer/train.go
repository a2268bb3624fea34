package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/peerlm/peer/internal/data"
	"github.com/peerlm/peer/internal/dist"
	"github.com/peerlm/peer/internal/logger"
	"github.com/peerlm/peer/internal/model"
	"github.com/peerlm/peer/internal/optim"
	"github.com/peerlm/peer/internal/status"
	"github.com/peerlm/peer/internal/tokenizer"
	"github.com/peerlm/peer/internal/train"
)

// shutdownBarrierTimeout bounds the end-of-run barrier. Workers wait there
// for the coordinator's final validation, plotting and checkpoint pass, so
// it is far more generous than the per-collective rendezvous timeout.
const shutdownBarrierTimeout = time.Hour

func trainCmd() *cli.Command {
	flags := modelFlags()
	flags = append(flags, trainingFlags()...)
	flags = append(flags, runFlags()...)

	return &cli.Command{
		Name:  "train",
		Usage: "Train a PEER language model across the process group",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyTrainConfig(c, LoadConfig())

			level := logger.ParseLevel(logLevel)
			if debug {
				level = slog.LevelDebug
			}
			log := logger.ForFormat(logFormat, os.Stderr, level)
			ctx = logger.WithContext(ctx, log)

			dcfg, err := dist.FromEnv()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: process group environment: %v", err), 1)
			}
			dcfg.Timeout = rendezvous
			group, err := dist.Init(ctx, dcfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: process group rendezvous: %v", err), 1)
			}
			defer group.Close()
			log = log.With("rank", group.Rank(), "world", group.World())
			ctx = logger.WithContext(ctx, log)
			log.Info("joined process group")

			tok, err := tokenizer.Load(tokenizerDir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load tokenizer: %v", err), 1)
			}
			if int(vocabSize) < tok.VocabSize() {
				return cli.Exit(fmt.Sprintf(
					"error: --vocab-size %d is smaller than the tokenizer vocabulary (%d)",
					vocabSize, tok.VocabSize()), 1)
			}

			m, err := model.New(model.Config{
				VocabSize:  int(vocabSize),
				Dim:        int(dim),
				NumLayers:  int(numLayers),
				NumHeads:   int(numHeads),
				NumExperts: int(numExperts),
				TopK:       int(topK),
				MaxSeqLen:  int(seqLen),
				Seed:       seed,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			role := train.RoleFor(group.Rank())
			if role == train.RoleCoordinator {
				log.Info("model initialised", "parameters", m.ParameterCount())
			}

			trainSplit, valSplit, err := data.LoadDataset(dataset, tok, int(seqLen))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load dataset: %v", err), 1)
			}
			log.Info("dataset loaded",
				"train_examples", trainSplit.Len(),
				"val_examples", valSplit.Len(),
				"seq_len", seqLen,
			)

			sampler, err := data.NewShardSampler(trainSplit.Len(), group.Rank(), group.World(), seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			trainLoader, err := data.NewLoader(trainSplit, int(batchSize), sampler.Indices())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			valLoader, err := data.NewLoader(valSplit, int(batchSize), nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			opt := optim.NewAdam(m.Parameters(), learningRate)
			opt.GradClip = gradClip

			var tracker *status.Tracker
			if role == train.RoleCoordinator && statusAddr != "" {
				tracker = status.NewTracker(int(numEpochs), group.World())
				go func() {
					if err := status.Serve(ctx, statusAddr, tracker); err != nil && ctx.Err() == nil {
						log.Warn("status endpoint stopped", "error", err)
					}
				}()
			}

			runner := &train.Runner{
				Role:          role,
				NumEpochs:     int(numEpochs),
				Sampler:       sampler,
				TrainLoader:   trainLoader,
				Params:        m.NamedParameters(),
				PlotsDir:      plotsDir,
				CheckpointDir: checkpointDir,
				Tracker:       tracker,
				Train: func(ctx context.Context, epoch int) (float64, []float64, error) {
					return train.Train(ctx, m, trainLoader, opt, group, tok.PadID())
				},
				Validate: func(ctx context.Context) (float64, float64, []float64, error) {
					return train.Validate(ctx, m, valLoader, tok.PadID())
				},
			}
			if err := runner.Run(ctx); err != nil {
				return cli.Exit(fmt.Sprintf("error: training run: %v", err), 1)
			}
			// Workers finish their last epoch before the coordinator is done
			// validating; hold every rank until the run is fully written out.
			// The wait spans the coordinator's whole validation and
			// checkpoint pass, so it gets a deadline of its own.
			if err := group.BarrierWithin(shutdownBarrierTimeout); err != nil {
				return cli.Exit(fmt.Sprintf("error: shutdown barrier: %v", err), 1)
			}
			log.Info("run complete", "epochs", numEpochs)
			return nil
		},
	}
}
