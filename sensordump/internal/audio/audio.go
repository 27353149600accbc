// Package audio derives loudness and a dominant-frequency estimate from
// 16-bit mono PCM buffers.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hazyhaar/sensordump/sensordump/internal/document"
)

const (
	// DefaultSampleRate is the capture rate in Hz.
	DefaultSampleRate = 44100
	// DefaultBufferSamples is the number of samples analysed per reading.
	DefaultBufferSamples = 4096
)

// Reading is the analysis of one buffer.
type Reading struct {
	Frequency float64 // Hz
	Amplitude float64 // peak-to-peak as a percentage of the int16 range
}

// Put writes frequency and amplitude into doc.
func (r Reading) Put(doc document.Document) error {
	if err := doc.PutNumber("frequency", r.Frequency); err != nil {
		return err
	}
	return doc.PutNumber("amplitude", r.Amplitude)
}

// Analyze computes a Reading. Amplitude is (max - min) / 65536 * 100 with
// max and min starting at 0. Frequency counts strict sign changes between
// consecutive samples (a zero sample resets the previous sign) and divides
// by the buffer duration and by 2.
func Analyze(samples []int16, sampleRate int) Reading {
	if len(samples) == 0 || sampleRate <= 0 {
		return Reading{}
	}
	var lowest, highest int16
	var last int16
	zeroes := 0
	for _, s := range samples {
		if s < lowest {
			lowest = s
		}
		if s > highest {
			highest = s
		}
		if (s > 0 && last < 0) || (s < 0 && last > 0) {
			zeroes++
		}
		last = s
	}
	seconds := float64(len(samples)) / float64(sampleRate)
	return Reading{
		Frequency: float64(zeroes) / seconds / 2,
		Amplitude: float64(int32(highest)-int32(lowest)) / 65536 * 100,
	}
}

// Capture is a source of PCM samples.
type Capture interface {
	// Read fills buf with samples and returns how many were read.
	Read(buf []int16) (int, error)
	Close() error
}

// Options configures a Producer.
type Options struct {
	SampleRate    int
	BufferSamples int
	Logger        *slog.Logger
}

func (o *Options) defaults() {
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultSampleRate
	}
	if o.BufferSamples <= 0 {
		o.BufferSamples = DefaultBufferSamples
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Producer analyses buffers from a Capture. The newest reading waits in a
// one-slot mailbox until Merge consumes it.
type Producer struct {
	opts    Options
	mailbox chan Reading

	mu    sync.Mutex
	taken *Reading
}

// NewProducer creates a producer.
func NewProducer(opts Options) *Producer {
	opts.defaults()
	return &Producer{opts: opts, mailbox: make(chan Reading, 1)}
}

// Run reads buffers from c until ctx is cancelled or c fails, publishing one
// reading per buffer. c is closed on return. Cancellation is observed between
// reads, so Run returns once the current read completes.
func (p *Producer) Run(ctx context.Context, c Capture) error {
	defer c.Close()
	buf := make([]int16, p.opts.BufferSamples)
	p.opts.Logger.Info("audio: recording", "sample_rate", p.opts.SampleRate, "buffer_samples", len(buf))
	for ctx.Err() == nil {
		n, err := c.Read(buf)
		if n > 0 {
			p.publish(Analyze(buf[:n], p.opts.SampleRate))
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("audio: capture ended: %w", err)
			}
			return fmt.Errorf("audio: read: %w", err)
		}
	}
	p.opts.Logger.Info("audio: recording stopped")
	return nil
}

func (p *Producer) publish(r Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.mailbox:
	default:
	}
	select {
	case p.mailbox <- r:
	default:
	}
}

// Merge adds the pending reading to doc, if any, and reports whether it did.
func (p *Producer) Merge(doc document.Document) (bool, error) {
	select {
	case r := <-p.mailbox:
		if err := r.Put(doc); err != nil {
			return false, err
		}
		p.mu.Lock()
		p.taken = &r
		p.mu.Unlock()
		return true, nil
	default:
		return false, nil
	}
}

// Unmerge puts back the reading taken by the last Merge unless a newer one
// is already waiting.
func (p *Producer) Unmerge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.taken == nil {
		return
	}
	r := *p.taken
	p.taken = nil
	select {
	case p.mailbox <- r:
	default:
	}
}

// Discard drops a pending reading.
func (p *Producer) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.taken = nil
	select {
	case <-p.mailbox:
	default:
	}
}
