package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	frames   [][]byte
	speaking []bool
	failAt   int
	err      error
	onSend   func(n int)
}

func (s *fakeSink) SendOpus(_ context.Context, frame []byte) error {
	if s.err != nil && len(s.frames) == s.failAt {
		return s.err
	}
	s.frames = append(s.frames, frame)
	if s.onSend != nil {
		s.onSend(len(s.frames))
	}
	return nil
}

func (s *fakeSink) Speaking(v bool) error {
	s.speaking = append(s.speaking, v)
	return nil
}

// firstSampleEncoder emits the first sample of each frame as two bytes.
type firstSampleEncoder struct {
	calls int
}

func (e *firstSampleEncoder) Encode(pcm []int16, size, _ int) ([]byte, error) {
	e.calls++
	if size != frameSize || len(pcm) != frameSize*channels {
		return nil, errors.New("unexpected frame shape")
	}
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, uint16(pcm[0]))
	return out, nil
}

func pcmFrames(n int, extra int) io.Reader {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		frame := make([]int16, frameSize*channels)
		frame[0] = int16(i - 1)
		binary.Write(&buf, binary.LittleEndian, frame)
	}
	buf.Write(make([]byte, extra))
	return &buf
}

func TestPumpSendsEveryFrame(t *testing.T) {
	sink := &fakeSink{}
	enc := &firstSampleEncoder{}

	n, err := Pump(context.Background(), pcmFrames(3, 100), sink, enc, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, enc.calls)

	require.Len(t, sink.frames, 3)
	assert.Equal(t, []byte{0xff, 0xff}, sink.frames[0])
	assert.Equal(t, []byte{0x01, 0x00}, sink.frames[2])
	assert.Equal(t, []bool{true, false}, sink.speaking)
}

func TestPumpStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := &fakeSink{onSend: func(n int) {
		if n == 2 {
			cancel()
		}
	}}

	n, err := Pump(ctx, pcmFrames(10, 0), sink, &firstSampleEncoder{}, zerolog.Nop())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, n)
	assert.Equal(t, []bool{true, false}, sink.speaking)
}

func TestPumpReturnsSinkError(t *testing.T) {
	gone := errors.New("session destroyed")
	sink := &fakeSink{err: gone, failAt: 1}

	n, err := Pump(context.Background(), pcmFrames(5, 0), sink, &firstSampleEncoder{}, zerolog.Nop())
	assert.ErrorIs(t, err, gone)
	assert.Equal(t, 1, n)
}

func TestPumpReadError(t *testing.T) {
	broken := errors.New("pipe broke")
	r := io.MultiReader(pcmFrames(1, 0), &errReader{err: broken})

	n, err := Pump(context.Background(), r, &fakeSink{}, &firstSampleEncoder{}, zerolog.Nop())
	assert.ErrorIs(t, err, broken)
	assert.Equal(t, 1, n)
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }
