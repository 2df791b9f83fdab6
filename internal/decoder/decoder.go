// Package decoder turns a raw H.264 NAL stream into decoded video frames by
// driving an ffmpeg subprocess over pipes.
//
// ffmpeg reads NAL units from stdin and writes decoded video as a sequence
// of binary PPM images to stdout. PPM is self-framing: every image carries
// its own width/height header, so the reader needs no prior negotiation and
// tolerates resolution changes mid-stream. NAL units do not map 1:1 to
// decoded frames (B/P-frames), so a bounded queue decouples Feed writes
// from ReadFrame reads.
//
// ffmpeg command:
//
//	ffmpeg -loglevel error -f h264 -i pipe:0 -f image2pipe -vcodec ppm pipe:1
package decoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ffmpegArgs is the default decode command.
var ffmpegArgs = []string{
	"ffmpeg",
	"-loglevel", "error", // suppress informational output; errors still logged
	"-f", "h264", // input format: raw H.264 bitstream
	"-i", "pipe:0", // read from stdin
	"-f", "image2pipe", // output format: image pipe
	"-vcodec", "ppm", // PPM is self-framing (no need to know resolution)
	"pipe:1", // write to stdout
}

const (
	// inputQueueSize bounds pending Feed writes. When the subprocess cannot
	// keep up, newer input is dropped instead of stalling the caller.
	inputQueueSize = 16

	// exitWait bounds how long Close waits for the subprocess before killing it.
	exitWait = 3 * time.Second
)

// ErrClosed is returned by ReadFrame once the decode stream has ended.
var ErrClosed = errors.New("decoder: stream closed")

// Frame is one decoded video image. Pixels hold interleaved BGR bytes,
// len == Width*Height*3.
type Frame struct {
	Width  int
	Height int
	Pixels []byte
}

// Decoder drives one ffmpeg subprocess for one media stream.
type Decoder struct {
	args      []string
	queueSize int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	input  chan []byte
	frames chan *Frame

	mu      sync.Mutex // guards closed, dropped, and the input channel lifecycle
	closed  bool
	dropped int
}

// Option customises a Decoder.
type Option func(*Decoder)

// WithCommand overrides the subprocess argv. Used in tests to substitute a
// lightweight passthrough instead of the real ffmpeg binary.
func WithCommand(args []string) Option {
	return func(d *Decoder) { d.args = args }
}

// WithQueueSize sets the decoded-frame queue bound. Around 30 frames is one
// second of video at full rate.
func WithQueueSize(n int) Option {
	return func(d *Decoder) { d.queueSize = n }
}

// New creates a Decoder. Call Start before Feed or ReadFrame.
func New(opts ...Option) *Decoder {
	d := &Decoder{
		args:      ffmpegArgs,
		queueSize: 30,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the subprocess and the background reader. Decoder state is
// populated only once the subprocess is running, so Close after a failed
// Start is a clean no-op.
func (d *Decoder) Start() error {
	cmd := exec.Command(d.args[0], d.args[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("decoder stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("decoder stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("decoder stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", d.args[0], err)
	}

	d.cmd = cmd
	d.stdin = stdin
	d.input = make(chan []byte, inputQueueSize)
	d.frames = make(chan *Frame, d.queueSize)

	go d.writeLoop()
	go d.readFrames(bufio.NewReader(stdout))
	go d.logStderr(stderr)

	log.Info().Int("pid", d.cmd.Process.Pid).Str("cmd", d.args[0]).
		Msg("Decoder started")
	return nil
}

// Feed queues NAL unit bytes for the subprocess and reports whether they
// were accepted. Never blocks: when the input queue is full or the decoder
// is closed or not started, the data is dropped.
func (d *Decoder) Feed(data []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.input == nil {
		d.dropped++
		return false
	}
	select {
	case d.input <- data:
		return true
	default:
		d.dropped++
		return false
	}
}

// ReadFrame returns the next decoded frame. It blocks until a frame is
// available, ctx expires (returning nil, nil — no frame yet), or the decode
// stream ends (returning nil, ErrClosed).
func (d *Decoder) ReadFrame(ctx context.Context) (*Frame, error) {
	select {
	case frame, ok := <-d.frames:
		if !ok {
			return nil, ErrClosed
		}
		return frame, nil
	case <-ctx.Done():
		return nil, nil
	}
}

// Frames exposes the decoded frame stream directly. The channel is closed
// when the subprocess output ends.
func (d *Decoder) Frames() <-chan *Frame {
	return d.frames
}

// Dropped reports how many input writes and decoded frames have been
// discarded due to full queues.
func (d *Decoder) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close signals end-of-input, waits briefly for the subprocess to flush and
// exit, and kills it if it does not. Safe to call multiple times and after
// a failed or never-attempted Start.
func (d *Decoder) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.cmd == nil {
		d.mu.Unlock()
		return nil
	}
	close(d.input) // writeLoop closes stdin, signalling EOF to ffmpeg
	d.mu.Unlock()

	var err error
	exited := make(chan error, 1)
	go func() { exited <- d.cmd.Wait() }()
	select {
	case werr := <-exited:
		// Non-zero exit is routine when the input stream is cut mid-NAL.
		if werr != nil {
			log.Debug().Err(werr).Msg("Decoder subprocess exited with error")
		}
	case <-time.After(exitWait):
		log.Warn().Msg("Decoder subprocess did not exit, killing")
		err = d.cmd.Process.Kill()
		<-exited
	}
	log.Info().Msg("Decoder closed")
	return err
}

// writeLoop forwards queued input to the subprocess stdin, then closes it
// when the input channel is closed.
func (d *Decoder) writeLoop() {
	defer d.stdin.Close()
	for data := range d.input {
		if _, err := d.stdin.Write(data); err != nil {
			log.Debug().Err(err).Msg("Decoder: stdin write failed, discarding input")
			// Drain remaining input so Feed callers never block on Close.
			for range d.input {
			}
			return
		}
	}
}

// readFrames parses PPM images from the subprocess stdout and enqueues
// frames. On a full queue the new frame is dropped: liveness analysis
// tolerates missing frames but not a stalled reader. Clean EOF and mid-frame
// truncation both end the loop, closing the frames channel.
//
// PPM binary format (P6):
//
//	P6\n
//	{width} {height}\n
//	255\n
//	<width*height*3 raw RGB bytes>
func (d *Decoder) readFrames(r *bufio.Reader) {
	defer close(d.frames)

	for {
		magic, err := readTrimmedLine(r)
		if err != nil || magic == "" {
			return // clean EOF
		}
		if magic != "P6" {
			log.Warn().Str("magic", magic).Msg("Decoder: unexpected PPM magic, skipping")
			continue
		}

		dims, err := readTrimmedLine(r)
		if err != nil {
			return
		}
		var width, height int
		if _, err := fmt.Sscanf(dims, "%d %d", &width, &height); err != nil || width <= 0 || height <= 0 {
			log.Warn().Str("dims", dims).Msg("Decoder: malformed PPM dimensions")
			return
		}

		// Max-value line (always "255" for 8-bit PPM).
		if _, err := readTrimmedLine(r); err != nil {
			return
		}

		pixels := make([]byte, width*height*3)
		if _, err := io.ReadFull(r, pixels); err != nil {
			log.Info().Msg("Decoder: stream ended mid-frame")
			return
		}

		// PPM stores RGB; the pipeline's canonical order is BGR.
		rgbToBGR(pixels)

		frame := &Frame{Width: width, Height: height, Pixels: pixels}
		select {
		case d.frames <- frame:
		default:
			d.countDrop()
			log.Debug().Int("queue", d.queueSize).Msg("Decoder: frame dropped, queue full")
		}
	}
}

// logStderr surfaces subprocess diagnostics at warn level.
func (d *Decoder) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Warn().Str("stderr", scanner.Text()).Msg("Decoder subprocess")
	}
}

func (d *Decoder) countDrop() {
	d.mu.Lock()
	d.dropped++
	d.mu.Unlock()
}

// readTrimmedLine reads one \n-terminated line with surrounding whitespace
// removed. Returns an error on EOF.
func readTrimmedLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// rgbToBGR swaps the R and B channels in place.
func rgbToBGR(p []byte) {
	for i := 0; i+2 < len(p); i += 3 {
		p[i], p[i+2] = p[i+2], p[i]
	}
}
