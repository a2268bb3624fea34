package train

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/peerlm/peer/internal/checkpoint"
	"github.com/peerlm/peer/internal/data"
	"github.com/peerlm/peer/internal/logger"
	"github.com/peerlm/peer/internal/model"
	"github.com/peerlm/peer/internal/plotting"
	"github.com/peerlm/peer/internal/status"
)

// Role is the process's responsibility in the run, computed once at startup.
// The coordinator validates, plots, and checkpoints; workers only train.
type Role int

const (
	RoleWorker Role = iota
	RoleCoordinator
)

// RoleFor maps a rank to its role.
func RoleFor(rank int) Role {
	if rank == 0 {
		return RoleCoordinator
	}
	return RoleWorker
}

// State names the runner's position in the epoch loop.
type State string

const (
	StateIdle               State = "idle"
	StateTraining           State = "training"
	StateAwaitingValidation State = "validating"
	StateReporting          State = "reporting"
	StateDone               State = "done"
)

// Checkpoint file names. The best snapshot is overwritten on every strict
// validation-loss improvement; the final snapshot is written exactly once
// after the loop, regardless of epoch count.
const (
	BestCheckpointName  = "best_peer_language_model.pth"
	FinalCheckpointName = "final_peer_language_model.pth"
)

// TrainFunc runs one training epoch and returns the mean and per-batch
// losses.
type TrainFunc func(ctx context.Context, epoch int) (float64, []float64, error)

// ValidateFunc runs a validation pass and returns the mean loss, its
// perplexity, and the per-batch losses.
type ValidateFunc func(ctx context.Context) (float64, float64, []float64, error)

// Runner sequences the epoch loop. Train and Validate are injected so the
// loop's sequencing can be exercised without a model.
type Runner struct {
	Role      Role
	NumEpochs int

	Sampler     *data.ShardSampler
	TrainLoader *data.Loader

	Train    TrainFunc
	Validate ValidateFunc

	// Params is what checkpoints snapshot. Only the coordinator reads it.
	Params []model.NamedParam

	PlotsDir      string
	CheckpointDir string

	// Tracker is optional; when set the runner publishes its progress.
	Tracker *status.Tracker

	state   State
	bestVal float64
}

// State returns the runner's current loop state.
func (r *Runner) State() State {
	if r.state == "" {
		return StateIdle
	}
	return r.state
}

// Run executes the configured number of epochs and writes the final
// snapshot. Any error aborts the run; nothing is retried or suppressed.
func (r *Runner) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	r.setState(StateIdle)
	r.bestVal = math.Inf(1)

	if r.Role == RoleCoordinator && r.PlotsDir != "" {
		if err := os.MkdirAll(r.PlotsDir, 0o755); err != nil {
			return fmt.Errorf("create plots dir: %w", err)
		}
	}

	for epoch := 0; epoch < r.NumEpochs; epoch++ {
		if r.Sampler != nil {
			r.Sampler.SetEpoch(epoch)
			if err := r.TrainLoader.SetIndices(r.Sampler.Indices()); err != nil {
				return fmt.Errorf("epoch %d shard: %w", epoch+1, err)
			}
		}

		r.setState(StateTraining)
		if r.Tracker != nil {
			r.Tracker.BeginEpoch(epoch + 1)
		}
		trainLoss, trainBatches, err := r.Train(ctx, epoch)
		if err != nil {
			return fmt.Errorf("epoch %d training: %w", epoch+1, err)
		}
		if r.Tracker != nil {
			r.Tracker.RecordTrain(trainLoss)
		}

		if r.Role != RoleCoordinator {
			log.Debug("epoch complete", "epoch", epoch+1, "train_loss", trainLoss)
			continue
		}

		r.setState(StateAwaitingValidation)
		valLoss, valPPL, valBatches, err := r.Validate(ctx)
		if err != nil {
			return fmt.Errorf("epoch %d validation: %w", epoch+1, err)
		}

		r.setState(StateReporting)
		log.Info("epoch complete",
			"epoch", epoch+1,
			"epochs", r.NumEpochs,
			"train_loss", trainLoss,
			"val_loss", valLoss,
			"val_perplexity", valPPL,
		)

		plotPath := filepath.Join(r.PlotsDir, fmt.Sprintf("epoch_%d_losses.png", epoch+1))
		if err := plotting.RenderLossCurves(trainBatches, valBatches, epoch+1, plotPath); err != nil {
			return fmt.Errorf("epoch %d plot: %w", epoch+1, err)
		}

		improved := valLoss < r.bestVal
		if improved {
			r.bestVal = valLoss
			path := filepath.Join(r.CheckpointDir, BestCheckpointName)
			if err := checkpoint.Save(path, r.Params); err != nil {
				return fmt.Errorf("epoch %d best checkpoint: %w", epoch+1, err)
			}
			log.Info("saved best model", "path", path, "val_loss", valLoss)
		}
		if r.Tracker != nil {
			r.Tracker.RecordValidation(valLoss, valPPL, r.bestVal)
		}
	}

	if r.Role == RoleCoordinator {
		path := filepath.Join(r.CheckpointDir, FinalCheckpointName)
		if err := checkpoint.Save(path, r.Params); err != nil {
			return fmt.Errorf("final checkpoint: %w", err)
		}
		log.Info("saved final model", "path", path)
	}
	r.setState(StateDone)
	return nil
}

func (r *Runner) setState(s State) {
	r.state = s
	if r.Tracker != nil {
		r.Tracker.SetState(string(s))
	}
}
