// Package worker implements pupil detectors backed by an external process.
//
// The process receives requests on stdin and answers on stdout. Every
// message is a msgpack map preceded by its length as a 4 byte big endian
// integer. One process is started per source and serves both the 2d and the
// 3d detector of that source.
package worker

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/detect"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// Request methods
const (
	MethodInit     = "init"
	MethodDetect2D = "detect_2d"
	MethodDetect3D = "detect_3d"
)

// MaxMessageSize bounds a single response
const MaxMessageSize = 64 << 20

// ErrWorkerClosed is returned by calls on a closed or broken worker
var ErrWorkerClosed = errors.New("detector worker closed")

// ErrTimeout is returned when the worker does not answer in time
var ErrTimeout = errors.New("detector worker timed out")

// Request is sent to the worker process
type Request struct {
	Method    string  `msgpack:"method"`
	EyeID     int     `msgpack:"eye_id"`
	Width     int     `msgpack:"width"`
	Height    int     `msgpack:"height"`
	Index     int     `msgpack:"frame_index"`
	Timestamp float64 `msgpack:"timestamp"`

	Gray []byte `msgpack:"gray,omitempty"`
	ROI  []int  `msgpack:"roi,omitempty"`

	Previous []pldata.Serialized `msgpack:"previous_detection_results,omitempty"`

	Properties map[string]any `msgpack:"properties,omitempty"`
}

// Response is read back from the worker process
type Response struct {
	Result pldata.Serialized `msgpack:"result"`
	Error  string            `msgpack:"error"`
}

// Cfg represents worker configuration (configure using Option)
type Cfg struct {
	Logger logrus.FieldLogger
}

// Option represents worker configuration option
type Option func(Cfg) Cfg

// WithLogger sets the logger worker stderr is forwarded to
func WithLogger(l logrus.FieldLogger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = l

		return cfg
	}
}

// Factory starts a worker process per source
type Factory struct {
	command []string
	timeout time.Duration
	cfg     Cfg
}

var _ detect.Factory = (*Factory)(nil)

// NewFactory creates a factory running conf.Command
func NewFactory(conf gazepipe.DetectorConfig, opts ...Option) (*Factory, error) {
	if len(conf.Command) == 0 {
		return nil, errors.New("detector command is required")
	}

	cfg := Cfg{Logger: logrus.StandardLogger()}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return &Factory{command: conf.Command, timeout: conf.Timeout, cfg: cfg}, nil
}

// NewDetectors starts the worker and initializes it for setup
func (f *Factory) NewDetectors(ctx context.Context, setup detect.Setup) (detect.Detector2D, detect.Detector3D, error) {
	c, err := Start(f.command, f.timeout, f.cfg.Logger.WithField("eye", setup.EyeID))
	if err != nil {
		return nil, nil, err
	}

	props := map[string]any{
		"min_calibration_confidence": setup.Config.MinCalibrationConfidence,
	}

	if in := setup.Intrinsics; in != nil {
		props["intrinsics"] = map[string]any{
			"camera_matrix": in.CameraMatrix,
			"dist_coefs":    in.DistCoefs,
			"resolution":    []int{in.Resolution.Width, in.Resolution.Height},
		}
	}

	_, err = c.Call(ctx, Request{
		Method:     MethodInit,
		EyeID:      setup.EyeID,
		Width:      setup.Width,
		Height:     setup.Height,
		ROI:        roiSlice(setup.ROI),
		Properties: props,
	})
	if err != nil {
		c.Close()

		return nil, nil, errors.Wrap(err, "init detector worker")
	}

	return detector2D{c: c, eye: setup.EyeID}, detector3D{c: c, eye: setup.EyeID}, nil
}

// Client talks to one worker process
type Client struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	timeout time.Duration
	logger  logrus.FieldLogger

	broken    bool
	closeOnce sync.Once
	closeErr  error
}

// Start launches command. A zero timeout disables per call timeouts.
func Start(command []string, timeout time.Duration, logger logrus.FieldLogger) (*Client, error) {
	if len(command) == 0 {
		return nil, errors.New("detector command is required")
	}

	cmd := exec.Command(command[0], command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", command[0])
	}

	c := &Client{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		timeout: timeout,
		logger:  logger,
	}

	go c.logStderr(stderr)

	logger.WithField("action", "worker_started").
		WithField("pid", cmd.Process.Pid).
		Debug("detector worker started")

	return c, nil
}

// Call sends req and waits for the response
func (c *Client) Call(ctx context.Context, req Request) (pldata.Serialized, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return pldata.Serialized{}, ErrWorkerClosed
	}

	type reply struct {
		resp Response
		err  error
	}

	ch := make(chan reply, 1)

	go func() {
		resp, err := c.roundTrip(req)
		ch <- reply{resp: resp, err: err}
	}()

	var timeout <-chan time.Time

	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()

		timeout = t.C
	}

	select {
	case r := <-ch:
		if r.err != nil {
			c.broken = true

			return pldata.Serialized{}, r.err
		}

		if r.resp.Error != "" {
			return pldata.Serialized{}, errors.Errorf("%s: %s", req.Method, r.resp.Error)
		}

		return r.resp.Result, nil
	case <-timeout:
		c.broken = true
		c.kill()

		return pldata.Serialized{}, errors.Wrapf(ErrTimeout, "%s after %s", req.Method, c.timeout)
	case <-ctx.Done():
		c.broken = true
		c.kill()

		return pldata.Serialized{}, ctx.Err()
	}
}

func (c *Client) roundTrip(req Request) (Response, error) {
	var resp Response

	body, err := msgpack.Marshal(req)
	if err != nil {
		return resp, errors.Wrap(err, "encode request")
	}

	if err := WriteMessage(c.stdin, body); err != nil {
		return resp, errors.Wrap(err, "write request")
	}

	msg, err := ReadMessage(c.stdout)
	if err != nil {
		return resp, errors.Wrap(err, "read response")
	}

	if err := msgpack.Unmarshal(msg, &resp); err != nil {
		return resp, errors.Wrap(err, "decode response")
	}

	return resp, nil
}

// Close closes stdin and waits for the process to exit, killing it if it
// does not within two seconds. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.broken = true
		c.mu.Unlock()

		c.stdin.Close()

		exited := make(chan error, 1)

		go func() { exited <- c.cmd.Wait() }()

		select {
		case err := <-exited:
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				c.closeErr = err
			}
		case <-time.After(2 * time.Second):
			c.kill()
			<-exited
		}
	})

	return c.closeErr
}

func (c *Client) kill() {
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
}

func (c *Client) logStderr(r io.Reader) {
	s := bufio.NewScanner(r)

	for s.Scan() {
		c.logger.WithField("action", "worker_stderr").Debug(s.Text())
	}
}

// WriteMessage writes body with its length prefix
func WriteMessage(w io.Writer, body []byte) error {
	var prefix [4]byte

	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))

	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}

	_, err := w.Write(body)

	return err
}

// ReadMessage reads one length prefixed message
func ReadMessage(r io.Reader) ([]byte, error) {
	var prefix [4]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxMessageSize {
		return nil, errors.Errorf("message of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)

	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return body, nil
}

type detector2D struct {
	c   *Client
	eye int
}

func (d detector2D) Detect(ctx context.Context, f *detect.Frame, roi detect.ROI) (pldata.Serialized, error) {
	return d.c.Call(ctx, Request{
		Method:    MethodDetect2D,
		EyeID:     d.eye,
		Width:     f.Width,
		Height:    f.Height,
		Index:     f.Index,
		Timestamp: f.Timestamp,
		Gray:      f.Gray,
		ROI:       roiSlice(roi),
	})
}

func (d detector2D) Close() error { return d.c.Close() }

type detector3D struct {
	c   *Client
	eye int
}

func (d detector3D) Detect(ctx context.Context, f *detect.Frame, previous []pldata.Serialized) (pldata.Serialized, error) {
	return d.c.Call(ctx, Request{
		Method:    MethodDetect3D,
		EyeID:     d.eye,
		Width:     f.Width,
		Height:    f.Height,
		Index:     f.Index,
		Timestamp: f.Timestamp,
		Gray:      f.Gray,
		Previous:  previous,
	})
}

func (d detector3D) Close() error { return d.c.Close() }

func roiSlice(r detect.ROI) []int {
	return []int{r.X, r.Y, r.Width, r.Height}
}
