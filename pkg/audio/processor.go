// Package audio implements per-room audio processing: sample-format
// conversion, biquad filtering, RMS/dB metering, rolling average, and
// acoustic threshold detection.
package audio

import (
	"math"
	"sync"
	"time"

	"github.com/mira/nursery-relay/pkg/logger"
	"github.com/mira/nursery-relay/pkg/model"
)

const referenceLevel = 1.0
const floorDB = -90.0

// AudioProcessor owns one room's metering state. It is owned 1-to-1 by the
// audio streaming service for each active audio room.
type AudioProcessor struct {
	logger *logger.Logger
	roomID int32

	mu       sync.RWMutex
	settings model.GlobalSettings
	filters  *filterChain

	levelMu    sync.Mutex
	levelQueue []float64
	lastAlert  time.Time

	OnFrame     func(model.AudioFrame)
	OnThreshold func(model.SoundAlert)
}

// NewAudioProcessor creates a processor for one room with the given
// initial global settings.
func NewAudioProcessor(roomID int32, settings model.GlobalSettings, log *logger.Logger) *AudioProcessor {
	p := &AudioProcessor{
		logger:   log.With("room_id", roomID),
		roomID:   roomID,
		settings: settings,
	}
	if settings.FilterEnabled {
		p.filters = newFilterChain(settings.HighPassHz, settings.LowPassHz)
	}
	return p
}

// UpdateSettings atomically swaps the processor's tunables and rebuilds
// its filter chain.
func (p *AudioProcessor) UpdateSettings(s model.GlobalSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = s
	if s.FilterEnabled {
		p.filters = newFilterChain(s.HighPassHz, s.LowPassHz)
	} else {
		p.filters = nil
	}

	p.levelMu.Lock()
	if cap(p.levelQueue) != s.AverageSampleCount && len(p.levelQueue) > s.AverageSampleCount {
		p.levelQueue = p.levelQueue[len(p.levelQueue)-s.AverageSampleCount:]
	}
	p.levelMu.Unlock()
}

func (p *AudioProcessor) snapshotSettings() model.GlobalSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// ProcessRaw handles the RTSP ingest path: decode-format samples are
// converted to normalized float32, optionally filtered, metered, and
// re-encoded to 16-bit PCM for distribution.
func (p *AudioProcessor) ProcessRaw(raw model.AudioFrameRaw) model.AudioFrame {
	settings := p.snapshotSettings()

	samples := toFloat32(raw)
	applyVolumeDB(samples, settings.VolumeAdjustmentDB)

	p.mu.RLock()
	filters := p.filters
	p.mu.RUnlock()

	filtered := samples
	if filters != nil {
		filtered = make([]float32, len(samples))
		for i, s := range samples {
			filtered[i] = float32(filters.process(float64(s)))
		}
	}

	levelDB := p.meterAndCheckThreshold(filtered, settings)

	return model.AudioFrame{
		RoomID:       p.roomID,
		PCMData:      pcm16LE(filtered),
		AudioLevelDB: levelDB,
		SampleRate:   raw.SampleRate,
		Channels:     raw.Channels,
		Timestamp:    time.Now(),
	}
}

// ProcessOpusPassthrough handles the Nest ingest path: the already-encoded
// Opus payload passes through untouched, while the parallel PCM decode
// (used for metering only) feeds the same level pipeline.
func (p *AudioProcessor) ProcessOpusPassthrough(rawOpus []byte, durationRTPUnits uint32, decodedPCM []float32, sampleRate int) model.AudioFrame {
	settings := p.snapshotSettings()
	levelDB := p.meterAndCheckThreshold(decodedPCM, settings)

	return model.AudioFrame{
		RoomID:           p.roomID,
		RawOpus:          rawOpus,
		HasRawOpus:       true,
		DurationRTPUnits: durationRTPUnits,
		AudioLevelDB:     levelDB,
		SampleRate:       sampleRate,
		Timestamp:        time.Now(),
	}
}

// meterAndCheckThreshold computes RMS/dB over valid samples, updates the
// rolling mean, and fires the threshold callback when warranted.
func (p *AudioProcessor) meterAndCheckThreshold(samples []float32, settings model.GlobalSettings) float64 {
	db := rmsToDB(samples)

	p.levelMu.Lock()
	p.levelQueue = append(p.levelQueue, db)
	if n := settings.AverageSampleCount; n > 0 && len(p.levelQueue) > n {
		p.levelQueue = p.levelQueue[len(p.levelQueue)-n:]
	}
	mean := meanOf(p.levelQueue)

	fireAlert := false
	now := time.Now()
	if mean > settings.SoundThresholdDB {
		if p.lastAlert.IsZero() || now.Sub(p.lastAlert) > time.Duration(settings.ThresholdPauseSeconds)*time.Second {
			p.lastAlert = now
			fireAlert = true
		}
	}
	p.levelMu.Unlock()

	p.logger.DebugAudio("metered frame", "instant_db", db, "mean_db", mean, "threshold_db", settings.SoundThresholdDB)

	if fireAlert && p.OnThreshold != nil {
		p.OnThreshold(model.SoundAlert{
			RoomID:      p.roomID,
			LevelDB:     mean,
			ThresholdDB: settings.SoundThresholdDB,
			Timestamp:   now,
		})
	}

	return mean
}

// rmsToDB computes RMS over finite, non-NaN samples and converts to dB,
// floored at -90. An all-invalid or all-zero buffer reports -90.
func rmsToDB(samples []float32) float64 {
	var sumSq float64
	var count int
	for _, s := range samples {
		f := float64(s)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		sumSq += f * f
		count++
	}
	if count == 0 {
		return floorDB
	}
	rms := math.Sqrt(sumSq / float64(count))
	if rms == 0 {
		return floorDB
	}
	db := 20 * math.Log10(rms/referenceLevel)
	if db < floorDB {
		return floorDB
	}
	return db
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return floorDB
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
