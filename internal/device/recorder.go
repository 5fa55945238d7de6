package device

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"home-sentinel/internal/clock"
	"home-sentinel/internal/stream"
)

const (
	opusSampleRate   = 48000
	opusChannelCount = 2
)

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// RecordOptions bounds a recording.
type RecordOptions struct {
	Duration time.Duration
	Dir      string
	// Prefix is prepended to the generated file names.
	Prefix string
	Clock  clock.Clock
	Logger *slog.Logger
}

// Recording captures a sensor's audio and video to files for a fixed
// duration. Audio is written as Ogg/Opus, video as IVF (VP8) or Annex-B
// (H.264) depending on the sensor's codec.
type Recording struct {
	AudioPath string
	VideoPath string

	mu     sync.Mutex
	audio  rtpWriter
	video  rtpWriter
	subs   []*stream.Subscription
	timer  clock.Timer
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// Record starts recording sensor. It returns once the files are open; the
// capture stops by itself after opts.Duration.
func Record(sensor SensorDevice, opts RecordOptions) (*Recording, error) {
	if opts.Duration <= 0 {
		return nil, fmt.Errorf("record duration must be positive")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	base := fmt.Sprintf("%s%d-%s", opts.Prefix, opts.Clock.Now().UnixMilli(), sanitize(sensor.ID()))
	r := &Recording{
		AudioPath: filepath.Join(opts.Dir, base+".ogg"),
		done:      make(chan struct{}),
		logger:    opts.Logger.With("sensor", sensor.Name()),
	}

	audio, err := oggwriter.New(r.AudioPath, opusSampleRate, opusChannelCount)
	if err != nil {
		return nil, fmt.Errorf("open audio recording: %w", err)
	}
	r.audio = audio

	var video rtpWriter
	switch sensor.VideoCodec() {
	case H264:
		r.VideoPath = filepath.Join(opts.Dir, base+".h264")
		video, err = h264writer.New(r.VideoPath)
	default:
		r.VideoPath = filepath.Join(opts.Dir, base+".ivf")
		video, err = ivfwriter.New(r.VideoPath)
	}
	if err != nil {
		audio.Close()
		return nil, fmt.Errorf("open video recording: %w", err)
	}
	r.video = video

	r.subs = []*stream.Subscription{
		sensor.Audio().Subscribe(func(pkt *rtp.Packet) { r.write(r.audioWriter, pkt) }),
		sensor.Video().Subscribe(func(pkt *rtp.Packet) { r.write(r.videoWriter, pkt) }),
	}
	r.timer = opts.Clock.AfterFunc(opts.Duration, r.Stop)
	return r, nil
}

// Done is closed once the recording has stopped and the files are closed.
func (r *Recording) Done() <-chan struct{} { return r.done }

// Stop ends the recording early. Safe to call more than once.
func (r *Recording) Stop() {
	r.once.Do(func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		for _, sub := range r.subs {
			sub.Unsubscribe()
		}

		r.mu.Lock()
		if err := r.audio.Close(); err != nil {
			r.logger.Warn("close audio recording", "path", r.AudioPath, "error", err)
		}
		if err := r.video.Close(); err != nil {
			r.logger.Warn("close video recording", "path", r.VideoPath, "error", err)
		}
		r.audio, r.video = nil, nil
		r.mu.Unlock()

		close(r.done)
	})
}

func (r *Recording) audioWriter() rtpWriter { return r.audio }

func (r *Recording) videoWriter() rtpWriter { return r.video }

func (r *Recording) write(writer func() rtpWriter, pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := writer()
	if w == nil {
		return
	}
	if err := w.WriteRTP(pkt); err != nil {
		r.logger.Debug("write recording packet", "error", err)
	}
}

func sanitize(id string) string {
	out := []rune(id)
	for i, c := range out {
		if c == '/' || c == '\\' || c == os.PathSeparator {
			out[i] = '_'
		}
	}
	return string(out)
}
