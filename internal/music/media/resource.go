package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"

	youtube "github.com/kkdai/youtube/v2"
)

const (
	SampleRate = 48000
	Channels   = 2
	FrameSize  = 960 // 20ms at 48kHz
)

type Mode string

const (
	ModeLink Mode = "link"
	ModePipe Mode = "pipe"
)

var ErrNoAudioFormat = errors.New("no audio formats found for video")

// Stream is the raw container stream of a video's best audio format.
type Stream struct {
	io.ReadCloser
	Type string
}

// StreamFromInfo opens the best audio format of info for reading.
func (c *Client) StreamFromInfo(ctx context.Context, info *Info) (*Stream, error) {
	video, format, err := c.format(ctx, info)
	if err != nil {
		return nil, err
	}
	rc, _, err := c.yt.GetStreamContext(ctx, video, format)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", info.ID, err)
	}
	return &Stream{ReadCloser: rc, Type: format.MimeType}, nil
}

func (c *Client) format(ctx context.Context, info *Info) (*youtube.Video, *youtube.Format, error) {
	video := info.video
	if video == nil {
		v, err := c.yt.GetVideoContext(ctx, info.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("video info %s: %w", info.ID, err)
		}
		video = v
	}
	format, err := pickFormat(video.Formats)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", info.ID, err)
	}
	return video, format, nil
}

// pickFormat prefers audio-only formats, highest bitrate first, and falls
// back to any format that carries audio.
func pickFormat(formats youtube.FormatList) (*youtube.Format, error) {
	candidates := formats.Type("audio").WithAudioChannels()
	if len(candidates) == 0 {
		candidates = formats.WithAudioChannels()
	}
	if len(candidates) == 0 {
		return nil, ErrNoAudioFormat
	}
	candidates = slices.Clone(candidates)
	slices.SortStableFunc(candidates, func(a, b youtube.Format) int {
		return b.Bitrate - a.Bitrate
	})
	return &candidates[0], nil
}

// Resource is a 48kHz stereo s16le PCM stream produced by ffmpeg.
type Resource struct {
	io.Reader
	Info *Info
	Mode Mode

	closeOnce sync.Once
	cleanup   func()
}

func (r *Resource) Close() error {
	r.closeOnce.Do(r.cleanup)
	return nil
}

// CreateResource transcodes info to PCM. Link mode hands ffmpeg the stream
// URL; if that yields no audio, pipe mode feeds it the downloaded stream.
func (c *Client) CreateResource(ctx context.Context, info *Info) (*Resource, error) {
	log := c.log.With().Str("video_id", info.ID).Logger()

	res, linkErr := c.linkResource(ctx, info)
	if linkErr == nil {
		log.Debug().Str("mode", string(ModeLink)).Msg("audio resource created")
		return res, nil
	}
	log.Warn().Err(linkErr).Msg("link mode failed, trying pipe mode")

	res, pipeErr := c.pipeResource(ctx, info)
	if pipeErr == nil {
		log.Debug().Str("mode", string(ModePipe)).Msg("audio resource created")
		return res, nil
	}

	err := fmt.Errorf("create resource %s: %w", info.ID, errors.Join(linkErr, pipeErr))
	log.Error().Err(err).Msg("failed to create audio resource")
	return nil, err
}

func (c *Client) linkResource(ctx context.Context, info *Info) (*Resource, error) {
	video, format, err := c.format(ctx, info)
	if err != nil {
		return nil, err
	}
	link, err := c.yt.GetStreamURLContext(ctx, video, format)
	if err != nil {
		return nil, fmt.Errorf("stream url: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.ffmpeg, ffmpegArgs(ModeLink, link)...)
	return c.start(cmd, info, ModeLink, nil)
}

func (c *Client) pipeResource(ctx context.Context, info *Info) (*Resource, error) {
	stream, err := c.StreamFromInfo(ctx, info)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.ffmpeg, ffmpegArgs(ModePipe, "pipe:0")...)
	cmd.Stdin = stream
	return c.start(cmd, info, ModePipe, stream)
}

func (c *Client) start(cmd *exec.Cmd, info *Info, mode Mode, src io.Closer) (*Resource, error) {
	closeSrc := func() {
		if src != nil {
			src.Close()
		}
	}

	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeSrc()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		closeSrc()
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	cleanup := func() {
		closeSrc()
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
	}

	// ffmpeg exits without output when the source is unreachable.
	br := bufio.NewReaderSize(stdout, FrameSize*Channels*2)
	if _, err := br.Peek(1); err != nil {
		cleanup()
		return nil, fmt.Errorf("ffmpeg produced no audio: %s", firstLine(stderr.String(), err))
	}

	return &Resource{Reader: br, Info: info, Mode: mode, cleanup: cleanup}, nil
}

func ffmpegArgs(mode Mode, input string) []string {
	args := []string{}
	if mode == ModeLink {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	}
	return append(args,
		"-i", input,
		"-f", "s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
		"-loglevel", "warning",
		"pipe:1",
	)
}

func firstLine(s string, fallback error) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback.Error()
	}
	line, _, _ := strings.Cut(s, "\n")
	return line
}
