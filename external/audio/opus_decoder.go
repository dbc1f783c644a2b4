//go:build opus

package audio

import (
	"fmt"
	"io"
	"sync"

	"github.com/eumlab/speechbridge/internal/audio"
	"github.com/hraban/opus"
)

const (
	opusSampleRate = 48000
	opusChannels   = 1
	// 120ms is the longest frame the codec produces.
	maxFrameSamples = opusSampleRate * 120 / 1000
)

type opusFrameDecoder struct {
	mu     sync.Mutex
	dec    *opus.Decoder
	pcm    []int16
	closed bool
}

func NewOpusFrameDecoder() (audio.FrameDecoder, error) {
	dec, err := opus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &opusFrameDecoder{dec: dec, pcm: make([]int16, maxFrameSamples)}, nil
}

func (d *opusFrameDecoder) Decode(frame []byte) ([]float32, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty opus packet", audio.ErrMalformedFrame)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, io.ErrClosedPipe
	}
	n, err := d.dec.Decode(frame, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrMalformedFrame, err)
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32(d.pcm[i]) / 32768
	}
	return out, nil
}

func (d *opusFrameDecoder) SourceRate() int { return opusSampleRate }

func (d *opusFrameDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
