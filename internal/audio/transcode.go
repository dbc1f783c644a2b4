// Package audio converts inbound client audio into the PCM stream the
// recognition service consumes.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedFrame marks a single undecodable frame. The frame is dropped;
// the session is expected to continue.
var ErrMalformedFrame = errors.New("malformed audio frame")

// Resample converts samples from inRate to outRate with box-filter
// decimation: every output sample is the mean of the input samples in its
// window. Equal rates return the input unchanged.
func Resample(samples []float32, inRate, outRate int) []float32 {
	if inRate == outRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(inRate) / float64(outRate)
	outLen := int(math.Round(float64(len(samples)) / ratio))
	if outLen <= 0 {
		return nil
	}
	out := make([]float32, outLen)
	for i := range out {
		start := int(float64(i) * ratio)
		end := int(float64(i+1) * ratio)
		if end > len(samples) {
			end = len(samples)
		}
		if start >= end {
			// Window collapsed (upsampling or rounding at the tail);
			// fall back to the nearest input sample.
			if start >= len(samples) {
				start = len(samples) - 1
			}
			out[i] = samples[start]
			continue
		}
		var sum float64
		for _, s := range samples[start:end] {
			sum += float64(s)
		}
		out[i] = float32(sum / float64(end-start))
	}
	return out
}

// EncodePCM16LE clamps samples to [-1, 1] and encodes them as
// little-endian signed 16-bit PCM.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM16LE is the inverse of EncodePCM16LE.
func DecodePCM16LE(b []byte) ([]float32, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("%w: pcm16 frame of %d bytes is not sample aligned", ErrMalformedFrame, len(b))
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(b[i*2:]))
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7FFF
		}
	}
	return out, nil
}

// DecodeFloat32LE decodes a frame of little-endian IEEE 754 samples, the
// format browser capture worklets emit.
func DecodeFloat32LE(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: float32 frame of %d bytes is not sample aligned", ErrMalformedFrame, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
