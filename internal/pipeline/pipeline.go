// Package pipeline implements the central processing loop of the viewer:
// snapshot the two source frames, apply the per-side affine transforms,
// optionally compute a disparity visual, composite the side-by-side display
// frame, publish it, and pace the whole cycle to the target frame rate.
//
// State machine: Stopped → Running ⇄ Pausing/Paused → Stopped. Pause and
// resume are condition-variable handshakes: Pause returns only after the
// loop has parked at the top of its iteration, so convergence is bounded by
// one frame period. Stop is terminal and finalizes any active recording.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"

	"github.com/e7canasta/duoscope/internal/library"
	"github.com/e7canasta/duoscope/internal/notify"
	"github.com/e7canasta/duoscope/internal/params"
	"github.com/e7canasta/duoscope/internal/source"
)

// State is the lifecycle state of the processing loop.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StatePausing
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

var (
	ErrNotRunning     = errors.New("pipeline: not running")
	ErrAlreadyStarted = errors.New("pipeline: already started")
	ErrNoDisplay      = errors.New("pipeline: no display frame composited yet")
)

// rateWindow is the number of iteration timestamps kept for the smoothed
// frame-rate estimate.
const rateWindow = 30

// transientDelay is the back-off after a transient acquisition error
// (missing frames, mismatched dimensions).
const transientDelay = 100 * time.Millisecond

// Config carries the loop's static settings.
type Config struct {
	FrameRate    float64
	Codec        string // four-character recording codec, e.g. "MJPG"
	RecordingDir string
	SnapshotDir  string
}

// Deps wires the pipeline to its collaborators. Library and SinkFactory are
// optional: a nil Library skips artifact registration, a nil SinkFactory
// records through gocv's VideoWriter.
type Deps struct {
	Right       *source.Source
	Left        *source.Source
	Transform   *params.Transform
	Depth       *params.Depth
	Notify      *notify.Channel
	Library     *library.Library
	SinkFactory func() Sink
}

type recordingSession struct {
	id      string
	path    string
	sink    Sink
	width   int
	height  int
	frames  int64
	started time.Time
}

// Pipeline is the processing loop. Created once per session; not
// restartable after Stop.
type Pipeline struct {
	cfg  Config
	deps Deps

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	lifecycleMu sync.Mutex
	started     bool
	wg          sync.WaitGroup

	recMu sync.Mutex
	rec   *recordingSession

	rateMu sync.Mutex
	stamps []time.Time
	frames uint64

	dispMu      sync.Mutex
	lastDisplay gocv.Mat
	hasDisplay  bool
}

// New creates a pipeline. Call Start to begin processing.
func New(cfg Config, deps Deps) *Pipeline {
	if deps.SinkFactory == nil {
		codec := cfg.Codec
		deps.SinkFactory = func() Sink { return NewVideoSink(codec) }
	}
	p := &Pipeline{
		cfg:         cfg,
		deps:        deps,
		state:       StateStopped,
		stamps:      make([]time.Time, 0, rateWindow),
		lastDisplay: gocv.NewMat(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start spawns the processing loop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	p.mu.Lock()
	p.state = StateRunning
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)

	slog.Info("pipeline started", "frame_rate", p.cfg.FrameRate)
	return nil
}

// State reports the current loop state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Pause requests suspension and blocks until the loop has parked. After
// Pause returns, no further display frame is published until Resume.
func (p *Pipeline) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StatePaused:
		return nil
	case StateRunning:
		p.state = StatePausing
	case StatePausing:
		// Another caller already requested it; fall through and wait.
	default:
		return ErrNotRunning
	}

	for p.state == StatePausing {
		p.cond.Wait()
	}
	if p.state != StatePaused {
		return ErrNotRunning
	}
	return nil
}

// Resume is the mirror of Pause.
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateRunning:
		return nil
	case StatePausing, StatePaused:
		p.state = StateRunning
		p.cond.Broadcast()
		return nil
	default:
		return ErrNotRunning
	}
}

// Stop terminates the loop. Any active recording is finalized as aborted
// (the partial artifact is removed, never left claiming success) and the
// call returns only after the loop has fully exited. Idempotent.
func (p *Pipeline) Stop() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.mu.Lock()
	p.state = StateStopped
	p.cond.Broadcast()
	p.mu.Unlock()

	if !p.started {
		return nil
	}
	p.wg.Wait()
	p.started = false

	slog.Info("pipeline stopped", "frames", p.frames)
	return nil
}

// run is the main iteration loop; owns all working Mats.
func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()

	rawR := gocv.NewMat()
	rawL := gocv.NewMat()
	warpR := gocv.NewMat()
	warpL := gocv.NewMat()
	grayR := gocv.NewMat()
	grayL := gocv.NewMat()
	display := gocv.NewMat()
	defer func() {
		for _, m := range []*gocv.Mat{&rawR, &rawL, &warpR, &warpL, &grayR, &grayL, &display} {
			m.Close()
		}
	}()

	var matrices sideMatrices
	defer matrices.Close()
	var matrixVersion uint64
	var srcW, srcH int

	period := time.Duration(float64(time.Second) / p.cfg.FrameRate)

	for {
		if !p.gate(ctx) {
			break
		}
		iterStart := time.Now()

		// 1. A consistent snapshot per side, taken once per iteration.
		_, okR := p.deps.Right.Snapshot(&rawR)
		_, okL := p.deps.Left.Snapshot(&rawL)
		if !okR || !okL {
			time.Sleep(transientDelay)
			continue
		}

		// 2. Mismatched resolutions are transient: report and retry.
		if rawR.Rows() != rawL.Rows() || rawR.Cols() != rawL.Cols() {
			p.status("Image dimensions not identical.")
			time.Sleep(transientDelay)
			continue
		}

		// 3. Rebuild the affine pair only when geometry actually changed.
		ts := p.deps.Transform.Snapshot()
		if !matrices.valid || ts.Version != matrixVersion || rawR.Cols() != srcW || rawR.Rows() != srcH {
			srcW, srcH = rawR.Cols(), rawR.Rows()
			matrices.rebuild(srcW, srcH, ts)
			matrixVersion = ts.Version
		}

		// 4. Warp each side into its half of the display.
		half := image.Pt(ts.DisplayWidth/2, ts.DisplayHeight)
		gocv.WarpAffine(rawR, &warpR, matrices.right, half)
		gocv.WarpAffine(rawL, &warpL, matrices.left, half)

		// 5. Optional disparity visual replaces the left half.
		if ds := p.deps.Depth.Snapshot(); ds.Enabled {
			p.applyDepth(ds, warpR, warpL, &grayR, &grayL)
		}

		// 6. Composite left | right.
		gocv.Hconcat(warpL, warpR, &display)

		p.publishDisplay(display)
		p.appendRecording(display)
		p.reportRate()

		// 7. Pace against the iteration start so average throughput holds
		// even though per-cycle cost varies.
		if remain := period - time.Since(iterStart); remain > 0 {
			time.Sleep(remain)
		}

		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.state = StateStopped
			p.cond.Broadcast()
			p.mu.Unlock()
		default:
		}
	}

	p.finalizeAbortedRecording()
}

// gate blocks while paused and reports whether the loop should continue.
func (p *Pipeline) gate(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StatePausing {
		p.state = StatePaused
		p.cond.Broadcast()
		slog.Debug("pipeline paused")
	}
	for p.state == StatePaused {
		p.cond.Wait()
	}
	return p.state == StateRunning && ctx.Err() == nil
}

// applyDepth converts the warped pair to intensity and replaces the left
// half with the normalized disparity visual. Failures degrade the depth
// feature for this frame only; acquisition and display continue.
func (p *Pipeline) applyDepth(ds params.DepthSnapshot, warpR, warpL gocv.Mat, grayR, grayL *gocv.Mat) {
	if minDim := min(warpL.Cols(), warpL.Rows()); ds.SADWindowSize > minDim {
		p.status(fmt.Sprintf("Depth window %d exceeds image dimension %d.", ds.SADWindowSize, minDim))
		return
	}
	gocv.CvtColor(warpR, grayR, gocv.ColorBGRToGray)
	gocv.CvtColor(warpL, grayL, gocv.ColorBGRToGray)
	if err := disparityVisual(*grayL, *grayR, ds.NDisparities, ds.SADWindowSize, &warpL); err != nil {
		slog.Warn("disparity computation failed", "error", err)
		p.status("Depth computation failed.")
	}
}

// publishDisplay hands a copy of the composited frame to the notification
// channel and keeps one for snapshots. The published buffer is never
// mutated afterwards.
func (p *Pipeline) publishDisplay(display gocv.Mat) {
	p.dispMu.Lock()
	display.CopyTo(&p.lastDisplay)
	p.hasDisplay = true
	p.dispMu.Unlock()

	p.rateMu.Lock()
	p.frames++
	seq := p.frames
	p.rateMu.Unlock()

	p.deps.Notify.Publish(notify.TopicDisplay, notify.DisplayFrame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     display.Cols(),
		Height:    display.Rows(),
		Data:      display.ToBytes(),
	})
}

// ToggleRecording switches recording on or off and reports whether it is
// active afterwards. A sink that fails to open leaves recording off.
func (p *Pipeline) ToggleRecording() (bool, error) {
	p.recMu.Lock()
	defer p.recMu.Unlock()

	if p.rec == nil {
		ts := p.deps.Transform.Snapshot()
		id := uuid.NewString()
		path := filepath.Join(p.cfg.RecordingDir, id+".avi")

		sink := p.deps.SinkFactory()
		if err := sink.Open(path, p.cfg.FrameRate, ts.DisplayWidth, ts.DisplayHeight); err != nil {
			p.status("Video writer could not be opened.")
			slog.Error("recording sink failed to open", "path", path, "error", err)
			return false, err
		}
		p.rec = &recordingSession{
			id:      id,
			path:    path,
			sink:    sink,
			width:   ts.DisplayWidth,
			height:  ts.DisplayHeight,
			started: time.Now(),
		}
		p.deps.Notify.Publish(notify.TopicRecordingStarts, notify.RecordingEvent{
			ArtifactID: id,
			Path:       path,
		})
		slog.Info("recording started", "artifact_id", id, "path", path)
		return true, nil
	}

	rec := p.rec
	p.rec = nil
	err := rec.sink.Close()
	p.registerArtifact(rec, true)
	p.deps.Notify.Publish(notify.TopicRecordingEnds, notify.RecordingEvent{
		ArtifactID: rec.id,
		Path:       rec.path,
		Frames:     rec.frames,
		Clean:      true,
	})
	slog.Info("recording ended", "artifact_id", rec.id, "frames", rec.frames)
	return false, err
}

// appendRecording writes the display frame to the active sink, if any.
// Frames whose geometry no longer matches the sink are skipped rather than
// corrupting the artifact.
func (p *Pipeline) appendRecording(display gocv.Mat) {
	p.recMu.Lock()
	defer p.recMu.Unlock()
	if p.rec == nil {
		return
	}
	if display.Cols() != p.rec.width || display.Rows() != p.rec.height {
		return
	}
	if err := p.rec.sink.Write(display); err != nil {
		slog.Warn("recording append failed", "artifact_id", p.rec.id, "error", err)
		return
	}
	p.rec.frames++
}

// finalizeAbortedRecording runs on loop exit: a recording interrupted by
// Stop is closed, its partial artifact removed, and the abort registered.
func (p *Pipeline) finalizeAbortedRecording() {
	p.recMu.Lock()
	defer p.recMu.Unlock()
	if p.rec == nil {
		return
	}
	rec := p.rec
	p.rec = nil

	if err := rec.sink.Close(); err != nil {
		slog.Warn("recording sink close failed", "artifact_id", rec.id, "error", err)
	}
	if err := os.Remove(rec.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("partial recording not removed", "path", rec.path, "error", err)
	}
	p.registerArtifact(rec, false)
	p.deps.Notify.Publish(notify.TopicRecordingEnds, notify.RecordingEvent{
		ArtifactID: rec.id,
		Path:       rec.path,
		Frames:     rec.frames,
		Clean:      false,
	})
	slog.Warn("recording aborted by stop, partial artifact removed", "artifact_id", rec.id)
}

func (p *Pipeline) registerArtifact(rec *recordingSession, clean bool) {
	if p.deps.Library == nil {
		return
	}
	err := p.deps.Library.Insert(library.Recording{
		ID:        rec.id,
		Path:      rec.path,
		FPS:       p.cfg.FrameRate,
		Width:     rec.width,
		Height:    rec.height,
		Frames:    rec.frames,
		StartedAt: rec.started,
		EndedAt:   time.Now(),
		Clean:     clean,
	})
	if err != nil {
		slog.Error("recording not registered in library", "artifact_id", rec.id, "error", err)
	}
}

// Snapshot writes the most recent display frame as a timestamped JPEG and
// returns its path.
func (p *Pipeline) Snapshot() (string, error) {
	p.dispMu.Lock()
	defer p.dispMu.Unlock()
	if !p.hasDisplay {
		return "", ErrNoDisplay
	}
	path := filepath.Join(p.cfg.SnapshotDir, "snapshot-"+time.Now().Format("20060102-150405")+".jpg")
	if ok := gocv.IMWrite(path, p.lastDisplay); !ok {
		return "", fmt.Errorf("pipeline: snapshot write failed: %s", path)
	}
	return path, nil
}

// reportRate pushes the iteration timestamp into the fixed window and
// publishes the smoothed instantaneous rate.
func (p *Pipeline) reportRate() {
	p.rateMu.Lock()
	now := time.Now()
	if len(p.stamps) == rateWindow {
		copy(p.stamps, p.stamps[1:])
		p.stamps[rateWindow-1] = now
	} else {
		p.stamps = append(p.stamps, now)
	}
	rate := p.windowRateLocked()
	p.rateMu.Unlock()

	if rate > 0 {
		p.status(fmt.Sprintf("Frame rate = %.1f fps", rate))
	}
}

// windowRateLocked computes window_size / (newest - oldest). Caller holds
// rateMu.
func (p *Pipeline) windowRateLocked() float64 {
	n := len(p.stamps)
	if n < 2 {
		return 0
	}
	span := p.stamps[n-1].Sub(p.stamps[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(n) / span
}

// Stats is a snapshot of loop throughput.
type Stats struct {
	State           string
	Rate            float64 // smoothed instantaneous fps
	IntervalMean    float64 // seconds between iterations
	IntervalStdDev  float64
	FramesProcessed uint64
	Recording       bool
}

// Stats returns the current throughput metrics.
func (p *Pipeline) Stats() Stats {
	p.rateMu.Lock()
	s := Stats{
		Rate:            p.windowRateLocked(),
		FramesProcessed: p.frames,
	}
	if n := len(p.stamps); n >= 2 {
		intervals := make([]float64, 0, n-1)
		for i := 1; i < n; i++ {
			intervals = append(intervals, p.stamps[i].Sub(p.stamps[i-1]).Seconds())
		}
		s.IntervalMean = stat.Mean(intervals, nil)
		// The sample stddev is undefined for a single interval; report 0
		// rather than NaN, which would poison JSON encoding downstream.
		if len(intervals) >= 2 {
			s.IntervalStdDev = stat.StdDev(intervals, nil)
		}
	}
	p.rateMu.Unlock()

	s.State = p.State().String()

	p.recMu.Lock()
	s.Recording = p.rec != nil
	p.recMu.Unlock()
	return s
}

func (p *Pipeline) status(text string) {
	p.deps.Notify.Publish(notify.TopicStatus, notify.StatusText{Text: text})
}
