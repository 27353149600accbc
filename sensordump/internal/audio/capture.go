package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultCommand records raw little-endian 16-bit mono PCM to stdout.
const DefaultCommand = "arecord -q -f S16_LE -c 1 -r {rate} -t raw"

// ReaderCapture reads little-endian int16 samples from an io.ReadCloser.
type ReaderCapture struct {
	r   io.ReadCloser
	raw []byte
}

// NewReaderCapture wraps rc.
func NewReaderCapture(rc io.ReadCloser) *ReaderCapture {
	return &ReaderCapture{r: rc}
}

// Read fills buf completely unless the stream ends.
func (c *ReaderCapture) Read(buf []int16) (int, error) {
	if cap(c.raw) < 2*len(buf) {
		c.raw = make([]byte, 2*len(buf))
	}
	raw := c.raw[:2*len(buf)]
	n, err := io.ReadFull(c.r, raw)
	samples := n / 2
	for i := 0; i < samples; i++ {
		buf[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return samples, err
}

// Close closes the underlying reader.
func (c *ReaderCapture) Close() error { return c.r.Close() }

// CommandCapture runs a recorder process and reads its stdout.
type CommandCapture struct {
	*ReaderCapture
	cmd *exec.Cmd
}

// OpenCommand starts command, with {rate} replaced by sampleRate. An empty
// command means DefaultCommand.
func OpenCommand(command string, sampleRate int) (*CommandCapture, error) {
	if command == "" {
		command = DefaultCommand
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	args := strings.Fields(strings.ReplaceAll(command, "{rate}", strconv.Itoa(sampleRate)))
	if len(args) == 0 {
		return nil, fmt.Errorf("audio: empty capture command")
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("audio: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("audio: start %s: %w", args[0], err)
	}
	return &CommandCapture{ReaderCapture: NewReaderCapture(stdout), cmd: cmd}, nil
}

// Close stops the recorder and waits for it to exit.
func (c *CommandCapture) Close() error {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.ReaderCapture.Close()
	err := c.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
