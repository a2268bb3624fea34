package train

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/peerlm/peer/internal/checkpoint"
	"github.com/peerlm/peer/internal/model"
	"github.com/peerlm/peer/internal/tensor"
)

// fakeRun wires a Runner to fakes: the train pass stamps the single
// parameter with the 1-based epoch so checkpoint contents reveal when they
// were written, and validation replays a fixed loss sequence.
type fakeRun struct {
	runner      *Runner
	param       *tensor.Mat
	trainEpochs []int
	validated   int
	dir         string
}

func newFakeRun(t *testing.T, role Role, epochs int, valLosses []float64) *fakeRun {
	t.Helper()
	dir := t.TempDir()
	f := &fakeRun{param: tensor.NewMat(1, 1), dir: dir}
	f.runner = &Runner{
		Role:          role,
		NumEpochs:     epochs,
		Params:        []model.NamedParam{{Name: "w", Mat: f.param}},
		PlotsDir:      filepath.Join(dir, "plots"),
		CheckpointDir: dir,
		Train: func(ctx context.Context, epoch int) (float64, []float64, error) {
			f.trainEpochs = append(f.trainEpochs, epoch)
			f.param.Data[0] = float32(epoch + 1)
			return 2.0, []float64{2.2, 1.8}, nil
		},
		Validate: func(ctx context.Context) (float64, float64, []float64, error) {
			loss := valLosses[f.validated]
			f.validated++
			return loss, perplexity(loss), []float64{loss}, nil
		},
	}
	return f
}

func (f *fakeRun) bestValue(t *testing.T) float32 {
	t.Helper()
	return f.loadValue(t, BestCheckpointName)
}

func (f *fakeRun) finalValue(t *testing.T) float32 {
	t.Helper()
	return f.loadValue(t, FinalCheckpointName)
}

func (f *fakeRun) loadValue(t *testing.T, name string) float32 {
	t.Helper()
	m := tensor.NewMat(1, 1)
	if err := checkpoint.Load(filepath.Join(f.dir, name), []model.NamedParam{{Name: "w", Mat: m}}); err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return m.Data[0]
}

func TestRunnerWritesOnePlotPerEpoch(t *testing.T) {
	f := newFakeRun(t, RoleCoordinator, 3, []float64{3, 2, 1})
	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for epoch := 1; epoch <= 3; epoch++ {
		p := filepath.Join(f.runner.PlotsDir, fmt.Sprintf("epoch_%d_losses.png", epoch))
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing plot for epoch %d: %v", epoch, err)
		}
	}
	if _, err := os.Stat(filepath.Join(f.runner.PlotsDir, "epoch_4_losses.png")); err == nil {
		t.Fatal("unexpected extra plot")
	}
}

func TestRunnerSavesBestOnStrictImprovement(t *testing.T) {
	// Epoch 1 improves, epoch 2 regresses, epoch 3 improves again.
	f := newFakeRun(t, RoleCoordinator, 3, []float64{2.0, 2.5, 1.5})
	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.bestValue(t); got != 3 {
		t.Fatalf("best snapshot from epoch %v, want epoch 3", got)
	}
	if got := f.finalValue(t); got != 3 {
		t.Fatalf("final snapshot from epoch %v, want epoch 3", got)
	}
}

func TestRunnerKeepsBestWhenLossRegresses(t *testing.T) {
	f := newFakeRun(t, RoleCoordinator, 3, []float64{2.0, 2.5, 2.6})
	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.bestValue(t); got != 1 {
		t.Fatalf("best snapshot from epoch %v, want epoch 1", got)
	}
	if got := f.finalValue(t); got != 3 {
		t.Fatalf("final snapshot from epoch %v, want epoch 3", got)
	}
}

func TestRunnerZeroEpochsStillWritesFinal(t *testing.T) {
	f := newFakeRun(t, RoleCoordinator, 0, nil)
	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.trainEpochs) != 0 || f.validated != 0 {
		t.Fatalf("zero-epoch run trained %d validated %d times", len(f.trainEpochs), f.validated)
	}
	if _, err := os.Stat(filepath.Join(f.dir, FinalCheckpointName)); err != nil {
		t.Fatalf("final snapshot missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.dir, BestCheckpointName)); err == nil {
		t.Fatal("best snapshot should not exist without validation")
	}
}

func TestRunnerWorkerTrainsButWritesNothing(t *testing.T) {
	f := newFakeRun(t, RoleWorker, 2, []float64{1, 1})
	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.trainEpochs) != 2 {
		t.Fatalf("worker trained %d epochs, want 2", len(f.trainEpochs))
	}
	if f.validated != 0 {
		t.Fatalf("worker validated %d times", f.validated)
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".pth") {
			t.Fatalf("worker wrote checkpoint %s", e.Name())
		}
		if e.Name() == "plots" {
			t.Fatal("worker created the plots directory")
		}
	}
	if f.runner.State() != StateDone {
		t.Fatalf("runner finished in state %q", f.runner.State())
	}
}

func TestRunnerTrainEpochsAreOrdered(t *testing.T) {
	f := newFakeRun(t, RoleCoordinator, 3, []float64{3, 2, 1})
	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, e := range f.trainEpochs {
		if e != i {
			t.Fatalf("train epochs %v, want 0..2 in order", f.trainEpochs)
		}
	}
}

func TestRunnerAbortsOnTrainError(t *testing.T) {
	f := newFakeRun(t, RoleCoordinator, 3, []float64{3, 2, 1})
	inner := f.runner.Train
	f.runner.Train = func(ctx context.Context, epoch int) (float64, []float64, error) {
		if epoch == 1 {
			return 0, nil, fmt.Errorf("exploding gradients")
		}
		return inner(ctx, epoch)
	}
	err := f.runner.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exploding gradients") {
		t.Fatalf("error = %v, want wrapped training failure", err)
	}
	if _, statErr := os.Stat(filepath.Join(f.dir, FinalCheckpointName)); statErr == nil {
		t.Fatal("final snapshot written despite aborted run")
	}
}

func TestRoleFor(t *testing.T) {
	if RoleFor(0) != RoleCoordinator {
		t.Fatal("rank 0 must be the coordinator")
	}
	for _, rank := range []int{1, 2, 7} {
		if RoleFor(rank) != RoleWorker {
			t.Fatalf("rank %d must be a worker", rank)
		}
	}
}
