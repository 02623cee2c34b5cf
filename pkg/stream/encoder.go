// Package stream publishes composited frames as a WebRTC video track:
// raw RGBA in, H264 RTP out, with signalling over a websocket server.
package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/lumakit/go-matte/internal/log"
)

// Encoder wraps a persistent ffmpeg process with pipe I/O: raw RGBA frames
// go to stdin, H264 NAL units come back from stdout. One process for the
// whole session avoids per-frame spawn overhead.
type Encoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	width  int
	height int

	// OnNAL receives each encoded NAL unit (without start code).
	OnNAL func(nal []byte)

	mu      sync.Mutex
	running bool
}

// NewEncoder starts the ffmpeg encoder for the given frame geometry.
func NewEncoder(width, height, fps int) (*Encoder, error) {
	e := &Encoder{width: width, height: height}

	cmd := exec.Command("ffmpeg",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(fps),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-g", strconv.Itoa(fps*2),
		"-f", "h264",
		"pipe:1",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.stdout = stdout
	e.running = true

	go e.readNALs()
	return e, nil
}

// WriteFrame feeds one tightly packed RGBA frame. It returns an error when
// the encoder is not running or the frame size is wrong.
func (e *Encoder) WriteFrame(rgba []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return fmt.Errorf("encoder not running")
	}
	if len(rgba) != e.width*e.height*4 {
		return fmt.Errorf("frame size %d, want %d", len(rgba), e.width*e.height*4)
	}
	_, err := e.stdin.Write(rgba)
	return err
}

// readNALs splits the H264 byte stream on Annex-B start codes and hands
// each NAL to the callback.
func (e *Encoder) readNALs() {
	reader := bufio.NewReaderSize(e.stdout, 1<<20)
	var pending []byte
	buf := make([]byte, 64*1024)

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = e.drainNALs(pending)
		}
		if err != nil {
			if err != io.EOF {
				log.Component("stream").Warn("encoder read failed", "err", err)
			}
			return
		}
	}
}

var startCode = []byte{0, 0, 0, 1}

// drainNALs emits every complete NAL in the buffer and returns the
// remainder (the last, possibly incomplete unit).
func (e *Encoder) drainNALs(pending []byte) []byte {
	for {
		first := bytes.Index(pending, startCode)
		if first < 0 {
			return pending
		}
		next := bytes.Index(pending[first+4:], startCode)
		if next < 0 {
			return pending[first:]
		}
		nal := pending[first+4 : first+4+next]
		if len(nal) > 0 && e.OnNAL != nil {
			e.OnNAL(nal)
		}
		pending = pending[first+4+next:]
	}
}

// Close stops the encoder process.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	e.stdin.Close()
	return e.cmd.Wait()
}
