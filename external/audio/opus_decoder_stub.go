//go:build !opus

package audio

import (
	"errors"

	"github.com/eumlab/speechbridge/internal/audio"
)

var errOpusNotBuilt = errors.New("opus frames require a binary built with the opus tag")

func NewOpusFrameDecoder() (audio.FrameDecoder, error) {
	return nil, errOpusNotBuilt
}
