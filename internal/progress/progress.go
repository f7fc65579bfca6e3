package progress

import (
	"math"
	"sync"
	"time"
)

// Phase identifies one stage of a render job.
type Phase string

const (
	PhasePreparing  Phase = "preparing"
	PhaseTextPrep   Phase = "text-prep"
	PhaseSynth      Phase = "synth"
	PhaseMerge      Phase = "merge"
	PhaseFinalizing Phase = "finalizing"
)

// Range is the percent sub-range a phase occupies in the overall job.
type Range struct {
	Lo int
	Hi int
}

// PhaseRange maps a phase to its documented percent band.
func PhaseRange(p Phase) Range {
	switch p {
	case PhasePreparing:
		return Range{0, 2}
	case PhaseTextPrep:
		return Range{5, 20}
	case PhaseSynth:
		return Range{20, 92}
	case PhaseMerge:
		return Range{92, 98}
	case PhaseFinalizing:
		return Range{99, 100}
	default:
		return Range{0, 100}
	}
}

// Percent linearly maps a sub-progress ratio in [0,1] into the phase's band.
func (r Range) Percent(ratio float64) float64 {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return float64(r.Lo) + ratio*float64(r.Hi-r.Lo)
}

// Update is one progress report emitted to the job's sink.
type Update struct {
	Phase             Phase     `json:"phase"`
	Percent           int       `json:"percent"`
	Message           string    `json:"message"`
	Approximate       bool      `json:"approximate"`
	ETASeconds        int       `json:"etaSeconds,omitempty"`
	CompletedSegments int       `json:"completedSegments,omitempty"`
	TotalSegments     int       `json:"totalSegments,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Tracker clamps percent to [0,100] and enforces monotonicity across one
// job's update stream before forwarding to the sink.
type Tracker struct {
	mu      sync.Mutex
	percent int
	sink    func(Update)
	now     func() time.Time
}

// NewTracker builds a tracker forwarding clamped updates to sink. A nil sink
// still tracks percent so later updates stay monotonic.
func NewTracker(sink func(Update)) *Tracker {
	return &Tracker{sink: sink, now: time.Now}
}

// Report clamps the candidate percent, rounds it, and emits the update.
// Percent never decreases within the tracker's lifetime.
func (t *Tracker) Report(u Update, candidate float64) {
	t.mu.Lock()
	p := int(math.Round(candidate))
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	if p < t.percent {
		p = t.percent
	}
	t.percent = p
	u.Percent = p
	u.UpdatedAt = t.now()
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink(u)
	}
}

// Percent returns the last reported percent.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent
}

// ETASeconds estimates remaining seconds from throughput so far. The
// estimate is withheld until at least 3 units are complete and elapsed time
// is positive.
func ETASeconds(completed, total int, elapsed time.Duration) (int, bool) {
	if completed < 3 || elapsed <= 0 || total <= completed {
		return 0, false
	}
	rate := float64(completed) / elapsed.Seconds()
	if rate <= 0 {
		return 0, false
	}
	return int(math.Round(float64(total-completed) / rate)), true
}

const (
	// synthOverheadFactor pads the spoken-duration estimate for backend and
	// machine overhead. Tuned, not derived.
	synthOverheadFactor = 1.6

	minSynthEstimateSec = 20
	maxSynthEstimateSec = 3600
)

// EstimateSynthSeconds predicts wall-clock synthesis duration from summed
// segment estimates and the playback speed factor.
func EstimateSynthSeconds(totalEstSec, speed float64) float64 {
	if speed <= 0 {
		speed = 1
	}
	est := totalEstSec / speed * synthOverheadFactor
	return clamp(minSynthEstimateSec, maxSynthEstimateSec, est)
}

// EstimateMergeSeconds predicts wall-clock merge duration from clip count.
func EstimateMergeSeconds(clipCount int) float64 {
	return clamp(4, 90, float64(clipCount)*0.18+2)
}

func clamp(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// extrapolationCap keeps time-based estimates short of the phase ceiling so
// a real backend report always has room to land.
const extrapolationCap = 0.98

// Extrapolator periodically advances a phase's percent from elapsed time
// against a heuristic duration estimate while no real progress has been
// reported. It stops advancing the moment MarkReal is called and must be
// stopped on every exit path of the owning phase.
type Extrapolator struct {
	interval time.Duration
	estimate time.Duration
	emit     func(ratio float64)

	mu      sync.Mutex
	real    bool
	stopped bool
	done    chan struct{}
	started time.Time
	now     func() time.Time
}

// NewExtrapolator builds an extrapolator emitting capped ratios every
// interval. The emitted ratio is elapsed/estimate capped at 98%.
func NewExtrapolator(interval, estimate time.Duration, emit func(ratio float64)) *Extrapolator {
	if interval <= 0 {
		interval = 700 * time.Millisecond
	}
	return &Extrapolator{
		interval: interval,
		estimate: estimate,
		emit:     emit,
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the ticker goroutine.
func (e *Extrapolator) Start() {
	e.mu.Lock()
	e.started = e.now()
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.done:
				return
			case <-ticker.C:
				e.tick()
			}
		}
	}()
}

func (e *Extrapolator) tick() {
	e.mu.Lock()
	if e.real || e.stopped || e.estimate <= 0 {
		e.mu.Unlock()
		return
	}
	ratio := e.now().Sub(e.started).Seconds() / e.estimate.Seconds()
	e.mu.Unlock()

	if ratio > extrapolationCap {
		ratio = extrapolationCap
	}
	e.emit(ratio)
}

// MarkReal records that the backend reported real progress; subsequent ticks
// stop advancing.
func (e *Extrapolator) MarkReal() {
	e.mu.Lock()
	e.real = true
	e.mu.Unlock()
}

// Stop terminates the ticker. Safe to call more than once.
func (e *Extrapolator) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	close(e.done)
}
