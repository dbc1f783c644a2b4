package audio

import "fmt"

type FrameFormat string

const (
	FormatFloat32LE FrameFormat = "f32le"
	FormatPCM16LE   FrameFormat = "pcm16"
	FormatOpus      FrameFormat = "opus"
)

// ParseFrameFormat resolves the audioFormat field of a start request.
// An empty value selects the float32 default.
func ParseFrameFormat(s string) (FrameFormat, error) {
	switch FrameFormat(s) {
	case "":
		return FormatFloat32LE, nil
	case FormatFloat32LE, FormatPCM16LE, FormatOpus:
		return FrameFormat(s), nil
	default:
		return "", fmt.Errorf("unsupported audio format %q", s)
	}
}

// FrameDecoder turns one inbound frame into float samples at SourceRate.
// Decoders may hold codec state and are owned by a single session.
type FrameDecoder interface {
	Decode(frame []byte) ([]float32, error)
	SourceRate() int
	Close() error
}

type FrameDecoderFactory func(format FrameFormat, sampleRate int) (FrameDecoder, error)

type float32Decoder struct {
	rate int
}

func NewFloat32Decoder(sampleRate int) FrameDecoder {
	return &float32Decoder{rate: sampleRate}
}

func (d *float32Decoder) Decode(frame []byte) ([]float32, error) {
	return DecodeFloat32LE(frame)
}

func (d *float32Decoder) SourceRate() int { return d.rate }

func (d *float32Decoder) Close() error { return nil }

type pcm16Decoder struct {
	rate int
}

func NewPCM16Decoder(sampleRate int) FrameDecoder {
	return &pcm16Decoder{rate: sampleRate}
}

func (d *pcm16Decoder) Decode(frame []byte) ([]float32, error) {
	return DecodePCM16LE(frame)
}

func (d *pcm16Decoder) SourceRate() int { return d.rate }

func (d *pcm16Decoder) Close() error { return nil }
