package player

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hajimehoshi/oto/v2"
	"github.com/sirupsen/logrus"

	"github.com/bilisong/bilisong/internal/errs"
)

const (
	pcmSampleRate = 44100
	pcmChannels   = 2
	pcmBitDepth   = 2 // 16-bit samples

	positionInterval = 500 * time.Millisecond
)

// bytesPerSecond of the decoded PCM stream.
const bytesPerSecond = pcmSampleRate * pcmChannels * pcmBitDepth

// FFmpegEngine decodes a remote audio stream with an ffmpeg subprocess and
// plays the raw PCM through an oto output device. One stream is live at a
// time; Play tears down the previous one.
type FFmpegEngine struct {
	ffmpegPath string
	otoCtx     *oto.Context
	log        *logrus.Logger

	mu      sync.Mutex
	current *ffmpegStream
}

// NewFFmpegEngine creates the engine and opens the audio device.
func NewFFmpegEngine(log *logrus.Logger) (*FFmpegEngine, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, errs.Wrap(errs.EngineError, "ffmpeg not found in PATH", err)
	}

	otoCtx, ready, err := oto.NewContext(pcmSampleRate, pcmChannels, pcmBitDepth)
	if err != nil {
		return nil, errs.Wrap(errs.EngineError, "open audio device", err)
	}
	<-ready

	return &FFmpegEngine{
		ffmpegPath: path,
		otoCtx:     otoCtx,
		log:        log,
	}, nil
}

// ffmpegStream is one decode pipeline: ffmpeg stdout feeding an oto player.
type ffmpegStream struct {
	cancel context.CancelFunc
	player oto.Player
	done   chan struct{}

	mu       sync.Mutex
	consumed int64 // PCM bytes handed to the audio device
	stopped  bool
}

// Play starts decoding url, replacing any current stream. Events fire from
// engine goroutines until Stop or the stream ends.
func (e *FFmpegEngine) Play(url string, headers map[string]string, ev Events) error {
	e.Stop()

	ctx, cancel := context.WithCancel(context.Background())

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
	}
	if len(headers) > 0 {
		args = append(args, "-headers", formatHeaders(headers))
	}
	args = append(args,
		"-i", url,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprint(pcmSampleRate),
		"-ac", fmt.Sprint(pcmChannels),
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return errs.Wrap(errs.EngineError, "open decoder pipe", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return errs.Wrap(errs.EngineError, "start decoder", err)
	}

	st := &ffmpegStream{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	st.player = e.otoCtx.NewPlayer(&meteredReader{r: stdout, st: st})
	st.player.Play()

	e.mu.Lock()
	e.current = st
	e.mu.Unlock()

	go e.watch(st, cmd, &stderr, ev)
	go e.reportPosition(st, ev)

	return nil
}

// watch waits for the decoder to finish and the device buffer to drain,
// then reports end-of-stream or a decode error.
func (e *FFmpegEngine) watch(st *ffmpegStream, cmd *exec.Cmd, stderr *strings.Builder, ev Events) {
	defer close(st.done)

	err := cmd.Wait()

	if st.isStopped() {
		return
	}

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		e.log.WithField("error", msg).Warn("decoder exited abnormally")
		st.player.Pause()
		ev.OnError(msg)
		return
	}

	// Decoder drained; wait for the device to finish the buffered tail.
	for !st.isStopped() && st.player.UnplayedBufferSize() > 0 {
		time.Sleep(50 * time.Millisecond)
	}
	if st.isStopped() {
		return
	}
	st.player.Pause()
	ev.OnEndOfStream()
}

// reportPosition emits elapsed-time callbacks until the stream ends.
func (e *FFmpegEngine) reportPosition(st *ffmpegStream, ev Events) {
	ticker := time.NewTicker(positionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			if st.isStopped() {
				return
			}
			ev.OnPosition(st.positionMs())
		}
	}
}

// Pause suspends the audio device.
func (e *FFmpegEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return errs.New(errs.InvalidState, "nothing is playing")
	}
	e.current.player.Pause()
	return nil
}

// Resume continues a paused stream.
func (e *FFmpegEngine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return errs.New(errs.InvalidState, "nothing is playing")
	}
	e.current.player.Play()
	return nil
}

// Stop tears down the current stream. Safe to call when idle.
func (e *FFmpegEngine) Stop() error {
	e.mu.Lock()
	st := e.current
	e.current = nil
	e.mu.Unlock()

	if st == nil {
		return nil
	}
	st.markStopped()
	st.cancel()
	st.player.Close()
	<-st.done
	return nil
}

// Close stops playback and releases the engine.
func (e *FFmpegEngine) Close() error {
	return e.Stop()
}

func (st *ffmpegStream) markStopped() {
	st.mu.Lock()
	st.stopped = true
	st.mu.Unlock()
}

func (st *ffmpegStream) isStopped() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stopped
}

func (st *ffmpegStream) positionMs() int64 {
	st.mu.Lock()
	consumed := st.consumed
	st.mu.Unlock()
	buffered := st.player.UnplayedBufferSize()
	played := consumed - int64(buffered)
	if played < 0 {
		played = 0
	}
	return played * 1000 / bytesPerSecond
}

// meteredReader counts PCM bytes the device pulls so position can be
// derived from consumption rather than wall clock.
type meteredReader struct {
	r  io.Reader
	st *ffmpegStream
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.st.mu.Lock()
		m.st.consumed += int64(n)
		m.st.mu.Unlock()
	}
	return n, err
}

// formatHeaders renders HTTP headers in the form ffmpeg's -headers flag
// expects, in a stable order.
func formatHeaders(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, headers[k])
	}
	return b.String()
}
