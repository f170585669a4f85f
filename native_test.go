package scanner_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	scanner "github.com/stockscan/scanner-go"
)

type helperRequest struct {
	ID      int64    `json:"id"`
	Hello   int      `json:"hello"`
	Detect  string   `json:"detect"`
	Formats []string `json:"formats"`
}

// serveHelper answers requests like a detector helper: the first detect
// finds a Code 128, later ones fail.
func serveHelper(t *testing.T, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	detects := 0
	for {
		var req helperRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := map[string]interface{}{"id": req.ID, "success": true}
		switch {
		case req.Hello == 1:
			resp["formats"] = []string{"QR_CODE", "CODE_128", "BOGUS"}
		case req.Detect != "":
			detects++
			if _, err := os.Stat(req.Detect); err != nil {
				resp["success"] = false
				resp["error"] = err.Error()
				break
			}
			if detects > 1 {
				resp["success"] = false
				resp["error"] = "camera frame unreadable"
				break
			}
			resp["detections"] = []map[string]string{
				{"text": "ABC123", "format": "CODE_128"},
				{"text": "ignored", "format": "BOGUS"},
			}
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func TestNativeConn(t *testing.T) {
	ctx := context.Background()
	client, server := net.Pipe()
	go serveHelper(t, server)

	dir := t.TempDir()
	n, err := scanner.NewNativeConn(client, &scanner.NativeOpts{WorkDir: dir})
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	defer n.Close()

	formats, err := n.SupportedFormats(ctx)
	if err != nil {
		t.Fatalf("supported formats: %v", err)
	}
	if len(formats) != 2 || formats[0] != scanner.QRCode || formats[1] != scanner.Code128 {
		t.Fatalf("unexpected formats %v", formats)
	}

	l, err := n.Detect(ctx, stripes(64, 32), formats)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(l) != 1 || l[0].Text != "ABC123" || l[0].Format != scanner.Code128 || l[0].Engine != "native" {
		t.Fatalf("unexpected detections %v", l)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading work dir: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("frame files left behind: %v", files)
	}

	if _, err := n.Detect(ctx, stripes(64, 32), formats); err == nil {
		t.Fatalf("missing error for failed detect")
	}

	// The chain treats helper failures as no result and moves on.
	c := &scanner.Chain{Native: n, Software: &fakeDetector{name: "software"}}
	if _, ok := c.Decode(ctx, stripes(64, 32), formats); ok {
		t.Fatalf("unexpected result")
	}

	n.Close()
	if err := n.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := n.SupportedFormats(ctx); err == nil {
		t.Fatalf("closed helper reports formats")
	}
	if l := scanner.Probe(ctx, n, scanner.DesiredFormats(""), nil); len(l) != 0 {
		t.Fatalf("closed helper probed %v", l)
	}
}

func TestNativeConnHelloFails(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		dec := json.NewDecoder(server)
		var req helperRequest
		dec.Decode(&req)
		json.NewEncoder(server).Encode(map[string]interface{}{"id": req.ID, "success": false, "error": "no license"})
		server.Close()
	}()
	if _, err := scanner.NewNativeConn(client, &scanner.NativeOpts{WorkDir: t.TempDir()}); err == nil {
		t.Fatalf("missing error for failed hello")
	}
}

// serveSlowHelper answers requests concurrently, with the request id as
// detected text. The reply to the first detect is sent after delay.
func serveSlowHelper(conn net.Conn, delay time.Duration) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	var mu sync.Mutex
	detects := 0
	for {
		var req helperRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := map[string]interface{}{"id": req.ID, "success": true}
		var wait time.Duration
		switch {
		case req.Hello == 1:
			resp["formats"] = []string{"CODE_128"}
		case req.Detect != "":
			detects++
			if detects == 1 {
				wait = delay
			}
			resp["detections"] = []map[string]string{{"text": fmt.Sprint(req.ID), "format": "CODE_128"}}
		}
		go func() {
			time.Sleep(wait)
			mu.Lock()
			defer mu.Unlock()
			enc.Encode(resp)
		}()
	}
}

func TestNativeConnTimeout(t *testing.T) {
	ctx := context.Background()
	client, server := net.Pipe()
	go serveSlowHelper(server, 300*time.Millisecond)

	n, err := scanner.NewNativeConn(client, &scanner.NativeOpts{WorkDir: t.TempDir(), Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	defer n.Close()

	formats := []scanner.Format{scanner.Code128}
	if _, err := n.Detect(ctx, stripes(64, 32), formats); err == nil {
		t.Fatalf("missing error for slow detect")
	}

	detect := func(exp string) {
		t.Helper()
		l, err := n.Detect(ctx, stripes(64, 32), formats)
		if err != nil {
			t.Fatalf("detect after timeout: %v", err)
		}
		if len(l) != 1 || l[0].Text != exp {
			t.Fatalf("got %v, expected text %q", l, exp)
		}
	}
	// Hello was request 1, the timed out detect request 2.
	detect("3")
	// The late reply to request 2 is now waiting, and must be skipped.
	time.Sleep(400 * time.Millisecond)
	detect("4")
}
