package audio

import (
	"github.com/eumlab/speechbridge/internal/audio"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.ProvideValue(injector, audio.FrameDecoderFactory(NewFrameDecoder))
}

// NewFrameDecoder builds the decoder matching a session's declared frame
// format. Opus availability depends on the build tag.
func NewFrameDecoder(format audio.FrameFormat, sampleRate int) (audio.FrameDecoder, error) {
	switch format {
	case audio.FormatPCM16LE:
		return audio.NewPCM16Decoder(sampleRate), nil
	case audio.FormatOpus:
		return NewOpusFrameDecoder()
	default:
		return audio.NewFloat32Decoder(sampleRate), nil
	}
}
