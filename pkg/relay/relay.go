package relay

import (
	"encoding/base64"
	"sync"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/metrics"
)

// AISink accepts base64 audio appends toward the AI leg
type AISink interface {
	AppendAudio(audioB64 string) error
}

// TelephonySink accepts outbound audio and playback-stop signals toward the
// telephony leg
type TelephonySink interface {
	SendAudio(payload []byte) error
	SendClear() error
}

// AudioRelay bridges audio frames between the telephony leg and the AI leg.
// Caller audio arriving before the AI session handshake completes is queued
// in a bounded FIFO; on overflow the oldest frame is evicted, since stale
// audio is worse than a small gap. The queue is the only state shared
// between the two pump directions.
type AudioRelay struct {
	logger *logrus.Entry

	ai        AISink
	telephony TelephonySink

	mutex    sync.Mutex
	ready    bool
	pending  [][]byte
	capacity int

	// Statistics
	framesToAI       int64
	framesToTel      int64
	framesBuffered   int64
	framesDropped    int64
	interruptsServed int64
}

// NewAudioRelay creates a relay with the given pre-ready buffer capacity
func NewAudioRelay(logger *logrus.Entry, ai AISink, telephony TelephonySink, bufferCapacity int) *AudioRelay {
	if bufferCapacity <= 0 {
		bufferCapacity = 100
	}

	return &AudioRelay{
		logger:    logger,
		ai:        ai,
		telephony: telephony,
		capacity:  bufferCapacity,
	}
}

// ForwardToAI relays a caller audio frame toward the AI leg. Before the AI
// session is ready, frames are queued rather than dropped or blocked.
func (r *AudioRelay) ForwardToAI(frame []byte) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.ready {
		r.buffer(frame)
		return nil
	}

	return r.appendLocked(frame)
}

// buffer queues a frame, evicting the oldest on overflow (lock held)
func (r *AudioRelay) buffer(frame []byte) {
	if len(r.pending) >= r.capacity {
		r.pending = r.pending[1:]
		r.framesDropped++
		metrics.IncCounter(metrics.FramesDropped)
	}
	r.pending = append(r.pending, frame)
	r.framesBuffered++
	metrics.IncCounter(metrics.FramesBuffered)
}

// appendLocked base64-wraps a frame into the AI append message (lock held)
func (r *AudioRelay) appendLocked(frame []byte) error {
	if err := r.ai.AppendAudio(base64.StdEncoding.EncodeToString(frame)); err != nil {
		return err
	}
	r.framesToAI++
	metrics.IncCounterVec(metrics.FramesRelayed, "to_ai")
	return nil
}

// SetReady marks the AI session established and drains the queue in arrival
// order before any new live frame is forwarded. The lock is held across the
// drain so live frames cannot overtake buffered ones.
func (r *AudioRelay) SetReady() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.ready {
		return
	}
	r.ready = true

	drained := 0
	for _, frame := range r.pending {
		if err := r.appendLocked(frame); err != nil {
			r.logger.WithError(err).Warn("Failed to drain buffered audio frame")
			break
		}
		drained++
	}
	r.pending = nil

	if drained > 0 {
		r.logger.WithField("frames", drained).Debug("Drained pre-ready audio buffer")
	}
}

// ForwardToTelephony relays an AI audio frame toward the telephony leg
func (r *AudioRelay) ForwardToTelephony(frame []byte) error {
	if err := r.telephony.SendAudio(frame); err != nil {
		return err
	}
	r.mutex.Lock()
	r.framesToTel++
	r.mutex.Unlock()
	metrics.IncCounterVec(metrics.FramesRelayed, "to_telephony")
	return nil
}

// Interrupt stops in-flight AI audio on the telephony leg. Invoked when the
// AI leg reports caller speech, so the assistant never talks over the caller.
func (r *AudioRelay) Interrupt() error {
	if err := r.telephony.SendClear(); err != nil {
		return err
	}
	r.mutex.Lock()
	r.interruptsServed++
	r.mutex.Unlock()
	metrics.IncCounter(metrics.RelayInterrupts)
	return nil
}

// PendingFrames returns the number of frames waiting in the pre-ready buffer
func (r *AudioRelay) PendingFrames() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.pending)
}

// Stats returns relay counters
func (r *AudioRelay) Stats() map[string]int64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return map[string]int64{
		"frames_to_ai":        r.framesToAI,
		"frames_to_telephony": r.framesToTel,
		"frames_buffered":     r.framesBuffered,
		"frames_dropped":      r.framesDropped,
		"interrupts":          r.interruptsServed,
	}
}
