package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// NativeProcess is a platform barcode detector running as a helper process,
// for example a wrapper around a vendor SDK. It is spoken to over a unix
// domain socket with newline-delimited JSON. Frames are handed over as PNG
// files in the working directory.
type NativeProcess struct {
	opts    NativeOpts
	log     *zap.Logger
	tempDir string             // Temp dir created for this helper if any. Removed on close.
	cancel  context.CancelFunc // For stopping the helper process.
	conn    net.Conn           // Unix domain socket to the helper.
	mutex   sync.Mutex         // Serializing requests to the helper.
	lastID  int64
	formats []Format
	closed  bool

	// Responses read from conn. Closed when reading fails, readErr is set
	// before that.
	responses chan json.RawMessage
	readErr   error
}

// Ensure that NativeProcess implements interface Detector.
var _ Detector = (*NativeProcess)(nil)

// nativeResponse is the basic status of every response from the helper.
type nativeResponse struct {
	ID      int64  `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (r nativeResponse) status() nativeResponse {
	return r
}

type nativeResponser interface {
	status() nativeResponse
}

// nativeHelloRequest asks the helper for the formats it supports.
type nativeHelloRequest struct {
	ID    int64 `json:"id"`
	Hello int   `json:"hello"` // 1
}

type nativeHelloResponse struct {
	nativeResponse
	Formats []string `json:"formats"`
}

// nativeDetectRequest asks the helper to decode the image file at Detect.
type nativeDetectRequest struct {
	ID      int64    `json:"id"`
	Detect  string   `json:"detect"`
	Formats []Format `json:"formats"`
}

type nativeDetectResponse struct {
	nativeResponse
	Detections []struct {
		Text   string `json:"text"`
		Format string `json:"format"`
	} `json:"detections"`
}

// NativeOpts contains options for starting a native helper.
type NativeOpts struct {
	// Explicitly set a working directory. This directory is not
	// automatically removed on Close. If empty, a temporary directory is
	// created.
	WorkDir string

	// If not empty, the JSON-encoded requests and responses are written to
	// this directory.
	TraceDir string

	// Timeout for a single request, when the context has no deadline.
	// Default 5s.
	Timeout time.Duration

	Logger *zap.Logger
}

// NewNativeProcess starts the helper executable at path and asks it for its
// supported formats. Always call Close on the returned process, to clean up
// temporary directories.
func NewNativeProcess(path string, opts *NativeOpts) (np *NativeProcess, rerr error) {
	var err error
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path for helper %q: %w", path, err)
	}

	n := newNative(opts)

	// Make sure we cleanup on failure.
	defer func() {
		if rerr != nil {
			n.Close()
		}
	}()

	if n.opts.WorkDir == "" {
		dir, err := TempDir()
		if err != nil {
			return nil, fmt.Errorf("making temp dir: %w", err)
		}
		n.opts.WorkDir = dir
		n.tempDir = dir
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	cmd := exec.CommandContext(ctx, path, "detector.sock")
	cmd.Dir = n.opts.WorkDir
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting detector helper: %w", err)
	}
	go cmd.Wait()

	sockPath := filepath.Join(n.opts.WorkDir, "detector.sock")
	for i := 0; ; i++ {
		conn, err := net.Dial("unix", sockPath)
		if err == nil {
			n.setConn(conn)
			break
		}
		if !errors.Is(err, syscall.ENOENT) && !errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("opening helper socket: %w", err)
		}
		if i == 1000 {
			return nil, fmt.Errorf("no socket from detector helper")
		}
		time.Sleep(1 * time.Millisecond)
	}

	if err := n.hello(); err != nil {
		return nil, err
	}
	return n, nil
}

// NewNativeConn uses an already connected helper, for example one that
// listens on a well-known socket. Frames are written to opts.WorkDir, which
// must be readable by the helper; if empty a temporary directory is
// created. Close closes conn.
func NewNativeConn(conn net.Conn, opts *NativeOpts) (np *NativeProcess, rerr error) {
	n := newNative(opts)
	n.setConn(conn)
	defer func() {
		if rerr != nil {
			n.Close()
		}
	}()
	if n.opts.WorkDir == "" {
		dir, err := TempDir()
		if err != nil {
			return nil, fmt.Errorf("making temp dir: %w", err)
		}
		n.opts.WorkDir = dir
		n.tempDir = dir
	}
	if err := n.hello(); err != nil {
		return nil, err
	}
	return n, nil
}

func newNative(opts *NativeOpts) *NativeProcess {
	n := &NativeProcess{}
	if opts != nil {
		n.opts = *opts
	}
	if n.opts.Timeout <= 0 {
		n.opts.Timeout = 5 * time.Second
	}
	n.log = n.opts.Logger
	if n.log == nil {
		n.log = zap.NewNop()
	}
	return n
}

func (n *NativeProcess) setConn(conn net.Conn) {
	n.conn = conn
	n.responses = make(chan json.RawMessage, 16)
	go n.read(conn, n.responses)
}

// read decodes responses until the connection fails. A reply that arrives
// after its request timed out is left for the next transaction to skip.
func (n *NativeProcess) read(conn net.Conn, c chan json.RawMessage) {
	dec := json.NewDecoder(conn)
	for {
		var msg json.RawMessage
		if err := dec.Decode(&msg); err != nil {
			n.readErr = err
			close(c)
			return
		}
		select {
		case c <- msg:
		default:
			n.log.Debug("dropping helper response, too many pending")
		}
	}
}

func (n *NativeProcess) hello() error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	req := nativeHelloRequest{ID: n.nextID(), Hello: 1}
	var resp nativeHelloResponse
	if err := n.transact(context.Background(), req.ID, req, &resp); err != nil {
		return fmt.Errorf("hello to detector helper: %w", err)
	}
	for _, s := range resp.Formats {
		f, err := ParseFormat(s)
		if err != nil {
			n.log.Debug("ignoring helper format", zap.String("format", s))
			continue
		}
		n.formats = append(n.formats, f)
	}
	n.log.Debug("detector helper ready", zap.Any("formats", n.formats))
	return nil
}

// Do a single request/response transaction. Responses with an id below
// id belong to requests that timed out, and are skipped.
func (n *NativeProcess) transact(ctx context.Context, id int64, req interface{}, resp nativeResponser) error {
	if n.closed || n.conn == nil {
		return fmt.Errorf("detector helper closed")
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(n.opts.Timeout)
	}
	n.conn.SetWriteDeadline(deadline)

	if err := json.NewEncoder(n.conn).Encode(req); err != nil {
		return fmt.Errorf("writing json to helper: %w", err)
	}

	n.writeTrace(fmt.Sprintf("detector-%d-request.json", id), req)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		var msg json.RawMessage
		select {
		case <-ctx.Done():
			return fmt.Errorf("reading json from helper: %w", ctx.Err())
		case <-timer.C:
			return fmt.Errorf("reading json from helper: %w", os.ErrDeadlineExceeded)
		case m, ok := <-n.responses:
			if !ok {
				return fmt.Errorf("reading json from helper: %w", n.readErr)
			}
			msg = m
		}

		var st nativeResponse
		if err := json.Unmarshal(msg, &st); err != nil {
			return fmt.Errorf("parsing json from helper: %w", err)
		}
		if st.ID < id {
			n.log.Debug("skipping late helper response", zap.Int64("id", st.ID), zap.Int64("want", id))
			continue
		}
		if st.ID != id {
			return fmt.Errorf("response for request %d, expected %d", st.ID, id)
		}
		if err := json.Unmarshal(msg, resp); err != nil {
			return fmt.Errorf("parsing json from helper: %w", err)
		}
		break
	}

	n.writeTrace(fmt.Sprintf("detector-%d-response.json", id), resp)

	if st := resp.status(); !st.Success {
		return fmt.Errorf("helper: %s", st.Error)
	}
	return nil
}

func (n *NativeProcess) writeTrace(name string, data interface{}) {
	if n.opts.TraceDir == "" {
		return
	}

	filename := filepath.Join(n.opts.TraceDir, name)
	f, err := os.Create(filename)
	if err != nil {
		n.log.Info("trace, creating file", zap.String("file", filename), zap.Error(err))
		return
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(data); err != nil {
		n.log.Info("trace, writing data", zap.Error(err))
	}
	n.log.Debug("trace", zap.String("file", filename))
}

func (n *NativeProcess) nextID() int64 {
	n.lastID++
	return n.lastID
}

// Name returns "native".
func (n *NativeProcess) Name() string {
	return "native"
}

// SupportedFormats returns the formats reported by the helper.
func (n *NativeProcess) SupportedFormats(ctx context.Context) ([]Format, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.closed {
		return nil, fmt.Errorf("detector helper closed")
	}
	return append([]Format(nil), n.formats...), nil
}

// Detect writes img to the working directory and asks the helper to decode
// it.
func (n *NativeProcess) Detect(ctx context.Context, img image.Image, formats []Format) ([]DecodeResult, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.closed {
		return nil, fmt.Errorf("detector helper closed")
	}
	req := nativeDetectRequest{ID: n.nextID(), Formats: formats}
	req.Detect = filepath.Join(n.opts.WorkDir, fmt.Sprintf("frame-%d.png", req.ID))
	if err := imaging.Save(img, req.Detect); err != nil {
		return nil, fmt.Errorf("writing frame: %w", err)
	}
	defer os.Remove(req.Detect)

	var resp nativeDetectResponse
	if err := n.transact(ctx, req.ID, req, &resp); err != nil {
		return nil, err
	}
	l := []DecodeResult{}
	for _, d := range resp.Detections {
		f, err := ParseFormat(d.Format)
		if err != nil {
			continue
		}
		l = append(l, DecodeResult{Text: d.Text, Format: f, Engine: n.Name()})
	}
	return l, nil
}

// Close shuts down the helper. Close may be called more than once.
func (n *NativeProcess) Close() error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	if n.cancel != nil {
		n.cancel()
	}
	if n.conn != nil {
		n.conn.Close()
	}
	if n.tempDir != "" {
		os.RemoveAll(n.tempDir)
	}
	return nil
}
