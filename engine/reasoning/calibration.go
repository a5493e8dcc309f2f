package reasoning

import (
	"sync"

	"github.com/tokenscomedyclub/arena/engine/store"
)

const (
	minFactor     = 0.45
	maxFactor     = 1.45
	initialFactor = 0.92
	alphaColdStart = 0.2
	alphaWarm      = 0.1
	coldStartSamples = 4
)

type calibrationKey struct {
	modelID     string
	effort      store.ReasoningEffort
	requestType store.RequestType
}

type calibrationEntry struct {
	factor  float64
	samples int
}

// Calibrator holds the per-(modelID, reasoningEffort, callType) EMA
// calibration factor. Per §9's design note, this is process-local and is
// never persisted: a cold start recalibrates after a handful of samples,
// and divergence between multiple driver processes is benign because the
// lease ensures only one of them ever drives at a time.
type Calibrator struct {
	mu      sync.Mutex
	entries map[calibrationKey]*calibrationEntry
}

func NewCalibrator() *Calibrator {
	return &Calibrator{entries: make(map[calibrationKey]*calibrationEntry)}
}

// Factor returns the current multiplicative factor for the key, seeding
// it at initialFactor on first use.
func (c *Calibrator) Factor(modelID string, effort store.ReasoningEffort, requestType store.RequestType) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(modelID, effort, requestType)
	return e.factor
}

func (c *Calibrator) entry(modelID string, effort store.ReasoningEffort, requestType store.RequestType) *calibrationEntry {
	key := calibrationKey{modelID, effort, requestType}
	e, ok := c.entries[key]
	if !ok {
		e = &calibrationEntry{factor: initialFactor}
		c.entries[key] = e
	}
	return e
}

// Update folds in a new ground-truth ratio (providerActualReasoningTokens
// / localEstimatedRawTokens) after a call completes, via EMA with
// alpha=0.2 for the first few samples and alpha=0.1 thereafter, clamped
// to [0.45, 1.45].
func (c *Calibrator) Update(modelID string, effort store.ReasoningEffort, requestType store.RequestType, ratio float64) {
	if ratio <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(modelID, effort, requestType)
	alpha := alphaWarm
	if e.samples < coldStartSamples {
		alpha = alphaColdStart
	}
	e.factor = e.factor + alpha*(ratio-e.factor)
	if e.factor < minFactor {
		e.factor = minFactor
	}
	if e.factor > maxFactor {
		e.factor = maxFactor
	}
	e.samples++
}
