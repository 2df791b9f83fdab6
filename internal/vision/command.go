package vision

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moveris/rtms-liveness/internal/decoder"
)

// workerExitWait bounds how long Close waits for the worker process.
const workerExitWait = 2 * time.Second

// extractRequest is one JSON line sent to the worker's stdin.
type extractRequest struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pixels string `json:"pixels"` // base64 of interleaved BGR bytes
}

// extractResponse is one JSON line read from the worker's stdout.
type extractResponse struct {
	Face    bool   `json:"face"`
	CropB64 string `json:"crop_b64"`
	Error   string `json:"error,omitempty"`
}

// CommandExtractor runs a detector worker subprocess and exchanges one JSON
// line per frame: the frame goes in base64 on stdin, the 224x224 crop comes
// back base64 on stdout. The worker owns the actual detection model.
type CommandExtractor struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
}

// Compile-time interface check.
var _ Extractor = (*CommandExtractor)(nil)

// CommandFactory returns a Factory that launches argv for each pipeline.
func CommandFactory(argv []string) Factory {
	return func() (Extractor, error) {
		return NewCommandExtractor(argv)
	}
}

// NewCommandExtractor launches the worker subprocess.
func NewCommandExtractor(argv []string) (*CommandExtractor, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("extractor command is empty")
	}
	cmd := exec.Command(argv[0], argv[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("extractor stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("extractor stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("extractor stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start extractor %s: %w", argv[0], err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug().Str("stderr", scanner.Text()).Msg("Extractor worker")
		}
	}()

	scanner := bufio.NewScanner(stdout)
	// Responses carry a base64 crop; the default 64 KiB line limit is too small.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &CommandExtractor{cmd: cmd, stdin: stdin, stdout: scanner}, nil
}

// Extract sends the frame to the worker and waits for its reply. The
// exchange is strictly request/response; pipelines are sequential so no
// interleaving occurs.
func (e *CommandExtractor) Extract(frame *decoder.Frame) (string, error) {
	req := extractRequest{
		Width:  frame.Width,
		Height: frame.Height,
		Pixels: base64.StdEncoding.EncodeToString(frame.Pixels),
	}
	line, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal extract request: %w", err)
	}
	line = append(line, '\n')
	if _, err := e.stdin.Write(line); err != nil {
		return "", fmt.Errorf("write to extractor worker: %w", err)
	}

	if !e.stdout.Scan() {
		if err := e.stdout.Err(); err != nil {
			return "", fmt.Errorf("read from extractor worker: %w", err)
		}
		return "", fmt.Errorf("extractor worker closed its output")
	}

	var resp extractResponse
	if err := json.Unmarshal(e.stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("parse extractor response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("extractor worker: %s", resp.Error)
	}
	if !resp.Face || resp.CropB64 == "" {
		return "", ErrNoFace
	}
	return resp.CropB64, nil
}

// Close ends the worker's input and waits briefly for it to exit, killing
// it on timeout. Safe to call once per extractor.
func (e *CommandExtractor) Close() error {
	_ = e.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- e.cmd.Wait() }()
	select {
	case <-exited:
		return nil
	case <-time.After(workerExitWait):
		err := e.cmd.Process.Kill()
		<-exited
		return err
	}
}
