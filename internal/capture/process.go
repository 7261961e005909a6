package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"camrelay/internal/logging"
	"camrelay/internal/records"
	"camrelay/internal/services"
)

const maxMessageBytes = 32 << 20

// ProcessOptions configures a ProcessDetector.
type ProcessOptions struct {
	Command string
	Args    []string
	Env     []string
	Timeout time.Duration
}

type detectRequest struct {
	Camera    string `msgpack:"camera"`
	Seq       uint64 `msgpack:"seq"`
	Timestamp string `msgpack:"timestamp"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	FrameData []byte `msgpack:"frame_data"`
}

type detectResponse struct {
	Seq   uint64        `msgpack:"seq"`
	Boxes []records.Box `msgpack:"boxes"`
	Error string        `msgpack:"error"`
}

type detectorProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	// out is the read end of stdout. It is owned here rather than by
	// exec.Cmd so Wait cannot close it under an unread response.
	out  *os.File
	done chan struct{}
}

func (p *detectorProcess) release() {
	_ = p.stdin.Close()
	_ = p.out.Close()
}

// ProcessDetector delegates inference to a long-running subprocess. Each frame
// is one msgpack request on stdin answered by one msgpack response on stdout,
// both framed with a 4-byte big-endian length prefix. A request that fails or
// times out kills the process; the next request starts a fresh one.
type ProcessDetector struct {
	opts   ProcessOptions
	logger *slog.Logger

	mu   sync.Mutex
	proc *detectorProcess
}

// NewProcessDetector validates opts. The subprocess starts on first use.
func NewProcessDetector(opts ProcessOptions, logger *slog.Logger) (*ProcessDetector, error) {
	if opts.Command == "" {
		return nil, services.Wrap(services.ErrConfiguration, "capture", "detector", "command is required", nil)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &ProcessDetector{opts: opts, logger: logging.NewComponentLogger(logger, "detector")}, nil
}

func (d *ProcessDetector) Detect(ctx context.Context, frame Frame) (records.Detection, error) {
	payload, err := msgpack.Marshal(detectRequest{
		Camera:    frame.Camera,
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp.UTC().Format(time.RFC3339Nano),
		Width:     frame.Width,
		Height:    frame.Height,
		FrameData: frame.Data,
	})
	if err != nil {
		return records.Detection{}, services.Wrap(services.ErrProcessing, "detector", "encode", "", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	proc, err := d.ensureLocked()
	if err != nil {
		return records.Detection{}, err
	}

	type result struct {
		resp detectResponse
		err  error
	}
	out := make(chan result, 1)
	go func() {
		var r result
		if r.err = writeMessage(proc.stdin, payload); r.err == nil {
			var raw []byte
			if raw, r.err = readMessage(proc.stdout); r.err == nil {
				r.err = msgpack.Unmarshal(raw, &r.resp)
			}
		}
		out <- r
	}()

	timer := time.NewTimer(d.opts.Timeout)
	defer timer.Stop()
	select {
	case r := <-out:
		if r.err != nil {
			d.killLocked("exchange failed")
			return records.Detection{}, services.Wrap(services.ErrProcessing, "detector", "exchange", d.opts.Command, r.err)
		}
		if r.resp.Seq != frame.Seq {
			d.killLocked("response out of sequence")
			return records.Detection{}, services.Wrap(services.ErrProcessing, "detector", "exchange",
				fmt.Sprintf("response for frame %d, expected %d", r.resp.Seq, frame.Seq), nil)
		}
		if r.resp.Error != "" {
			return records.Detection{}, services.Wrap(services.ErrProcessing, "detector", "detect", r.resp.Error, nil)
		}
		return detectionFor(frame, r.resp.Boxes), nil
	case <-timer.C:
		d.killLocked("request timed out")
		return records.Detection{}, services.Wrap(services.ErrTimeout, "detector", "detect", fmt.Sprintf("no response within %s", d.opts.Timeout), nil)
	case <-ctx.Done():
		d.killLocked("request cancelled")
		return records.Detection{}, services.Wrap(services.ErrProcessing, "detector", "detect", "cancelled", ctx.Err())
	}
}

func (d *ProcessDetector) ensureLocked() (*detectorProcess, error) {
	if d.proc != nil {
		select {
		case <-d.proc.done:
			logging.WarnWithContext(d.logger, "detector process exited; restarting", "detector_exited",
				logging.String(logging.FieldErrorHint, "check the detector's stderr in the daemon log"),
				logging.String(logging.FieldImpact, "one frame was not processed"),
			)
			d.proc.release()
			d.proc = nil
		default:
			return d.proc, nil
		}
	}

	cmd := exec.Command(d.opts.Command, d.opts.Args...)
	if len(d.opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), d.opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, services.Wrap(services.ErrProcessing, "detector", "stdin pipe", "", err)
	}
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, services.Wrap(services.ErrProcessing, "detector", "stdout pipe", "", err)
	}
	cmd.Stdout = stdoutW
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, services.Wrap(services.ErrProcessing, "detector", "stderr pipe", "", err)
	}
	startErr := cmd.Start()
	_ = stdoutW.Close()
	if startErr != nil {
		_ = stdout.Close()
		return nil, services.Wrap(services.ErrProcessing, "detector", "start", d.opts.Command, startErr)
	}

	proc := &detectorProcess{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout), out: stdout, done: make(chan struct{})}
	stderrDone := make(chan struct{})
	go func() {
		d.logStderr(stderr)
		close(stderrDone)
	}()
	go func() {
		// Wait closes the stderr pipe, so the reader has to finish first.
		<-stderrDone
		err := cmd.Wait()
		close(proc.done)
		d.logger.Debug("detector process exited", logging.Int("pid", cmd.Process.Pid), logging.Error(err))
	}()
	d.proc = proc
	d.logger.Info("detector process started", logging.String("command", d.opts.Command), logging.Int("pid", cmd.Process.Pid))
	return proc, nil
}

func (d *ProcessDetector) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		d.logger.Debug("detector stderr", logging.String("line", scanner.Text()))
	}
}

func (d *ProcessDetector) killLocked(reason string) {
	if d.proc == nil {
		return
	}
	proc := d.proc
	d.proc = nil
	_ = proc.stdin.Close()
	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
	}
	<-proc.done
	proc.release()
	d.logger.Debug("detector process killed", logging.String("reason", reason))
}

// Close asks the subprocess to exit by closing its stdin and kills it if it
// has not exited within the request timeout.
func (d *ProcessDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc == nil {
		return nil
	}
	proc := d.proc
	d.proc = nil
	_ = proc.stdin.Close()
	select {
	case <-proc.done:
	case <-time.After(d.opts.Timeout):
		_ = proc.cmd.Process.Kill()
		<-proc.done
	}
	proc.release()
	return nil
}

func writeMessage(w io.Writer, payload []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageBytes {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
