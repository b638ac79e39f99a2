// Package stream encodes PCM audio into opus frames and feeds a voice session.
package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"layeh.com/gopus"
)

const (
	channels   = 2
	sampleRate = 48000
	frameSize  = 960 // 20ms at 48kHz

	pcmFrameBytes = frameSize * channels * 2
	maxOpusBytes  = pcmFrameBytes
)

// Sink receives encoded opus frames. *voice.Session satisfies it.
type Sink interface {
	SendOpus(ctx context.Context, frame []byte) error
	Speaking(speaking bool) error
}

type Encoder interface {
	Encode(pcm []int16, frameSize, maxDataBytes int) ([]byte, error)
}

// NewOpusEncoder returns a 48kHz stereo music encoder.
func NewOpusEncoder() (Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return enc, nil
}

// Pump reads s16le PCM frames from pcm until EOF and sends them to sink.
// It returns nil at end of input, ctx.Err() when stopped and the sink's
// error when the session goes away. A trailing partial frame is dropped.
func Pump(ctx context.Context, pcm io.Reader, sink Sink, enc Encoder, log zerolog.Logger) (int, error) {
	if enc == nil {
		var err error
		if enc, err = NewOpusEncoder(); err != nil {
			return 0, err
		}
	}

	if err := sink.Speaking(true); err != nil {
		log.Warn().Err(err).Msg("failed to set speaking")
	}
	defer func() {
		if err := sink.Speaking(false); err != nil {
			log.Debug().Err(err).Msg("failed to clear speaking")
		}
	}()

	pcmBuf := make([]byte, pcmFrameBytes)
	intBuf := make([]int16, frameSize*channels)

	frames := 0
	for {
		if err := ctx.Err(); err != nil {
			return frames, err
		}

		if _, err := io.ReadFull(pcm, pcmBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				log.Debug().Int("frames", frames).Msg("audio stream finished")
				return frames, nil
			}
			return frames, fmt.Errorf("read pcm: %w", err)
		}

		for i := range intBuf {
			intBuf[i] = int16(binary.LittleEndian.Uint16(pcmBuf[i*2 : i*2+2]))
		}

		opus, err := enc.Encode(intBuf, frameSize, maxOpusBytes)
		if err != nil {
			return frames, fmt.Errorf("encode: %w", err)
		}

		if err := sink.SendOpus(ctx, opus); err != nil {
			return frames, err
		}
		frames++
	}
}
