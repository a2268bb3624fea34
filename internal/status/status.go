// Package status serves a read-only JSON view of a training run. Only the
// coordinator starts it; workers have no status surface. There is no control
// endpoint, the run cannot be steered over HTTP.
package status

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/peerlm/peer/internal/logger"
)

// Snapshot is the wire shape of GET /v1/status.
type Snapshot struct {
	RunID         string    `json:"run_id"`
	State         string    `json:"state"`
	Epoch         int       `json:"epoch"`
	NumEpochs     int       `json:"num_epochs"`
	WorldSize     int       `json:"world_size"`
	TrainLoss     float64   `json:"train_loss"`
	ValLoss       float64   `json:"val_loss"`
	ValPerplexity float64   `json:"val_perplexity"`
	BestValLoss   float64   `json:"best_val_loss"`
	StartedAt     time.Time `json:"started_at"`
}

// Tracker holds the mutable run state behind a mutex. The training loop
// writes, the HTTP handler reads.
type Tracker struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewTracker creates a tracker with a fresh run id.
func NewTracker(numEpochs, worldSize int) *Tracker {
	return &Tracker{snap: Snapshot{
		RunID:     uuid.NewString(),
		State:     "idle",
		NumEpochs: numEpochs,
		WorldSize: worldSize,
		StartedAt: time.Now().UTC(),
	}}
}

// SetState records the loop state ("idle", "training", "validating",
// "reporting", "done").
func (t *Tracker) SetState(state string) {
	t.mu.Lock()
	t.snap.State = state
	t.mu.Unlock()
}

// BeginEpoch records the 1-based epoch now running.
func (t *Tracker) BeginEpoch(epoch int) {
	t.mu.Lock()
	t.snap.Epoch = epoch
	t.snap.State = "training"
	t.mu.Unlock()
}

// RecordTrain records the epoch's aggregate training loss.
func (t *Tracker) RecordTrain(loss float64) {
	t.mu.Lock()
	t.snap.TrainLoss = loss
	t.mu.Unlock()
}

// RecordValidation records the epoch's validation metrics and the best
// validation loss seen so far.
func (t *Tracker) RecordValidation(loss, perplexity, best float64) {
	t.mu.Lock()
	t.snap.ValLoss = loss
	t.snap.ValPerplexity = perplexity
	t.snap.BestValLoss = best
	t.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Server exposes a tracker over HTTP.
type Server struct {
	tracker *Tracker
}

// NewServer wraps a tracker.
func NewServer(tracker *Tracker) *Server {
	return &Server{tracker: tracker}
}

// Register installs the status routes.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/status", s.handleStatus)
}

func (s *Server) handleStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.tracker.Snapshot())
}

// Serve runs the status endpoint until ctx is cancelled. Intended to run in
// its own goroutine; the run never blocks on it.
func Serve(ctx context.Context, addr string, tracker *Tracker) error {
	log := logger.FromContext(ctx)
	e := echo.New()
	e.Use(middleware.Recover())
	NewServer(tracker).Register(e)
	log.Info("starting status endpoint", "address", addr)
	sc := echo.StartConfig{Address: addr}
	return sc.Start(ctx, e)
}
