package uds

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// shortSockPath stays under the 104 byte sun_path limit of macOS.
func shortSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "cv-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func startServer(t *testing.T) (*Server, *Client, string) {
	t.Helper()
	sockPath := shortSockPath(t, "t.sock")
	server := NewServer(sockPath, zerolog.Nop())
	server.Handle(CommandPing, func(context.Context, *Request) *Response {
		return SuccessResponse(map[string]string{"pong": "ok"})
	})
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)
	return server, client, sockPath
}

func TestFraming_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req, err := NewRequest(CommandCollect, map[string]int{"limit": 3})
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var got Request
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Command != CommandCollect || got.ProtocolVersion != ProtocolVersion {
		t.Errorf("unexpected request %+v", got)
	}
	var params map[string]int
	if err := json.Unmarshal(got.Params, &params); err != nil || params["limit"] != 3 {
		t.Errorf("params = %s (%v)", got.Params, err)
	}
}

func TestFraming_RejectsOversizedLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	var v any
	if err := ReadFrame(buf, &v); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestServer_Ping(t *testing.T) {
	_, client, _ := startServer(t)

	var out map[string]string
	if err := client.Call(context.Background(), CommandPing, nil, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["pong"] != "ok" {
		t.Errorf("unexpected data %v", out)
	}
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	_, client, _ := startServer(t)

	resp, err := client.Send(context.Background(), &Request{ProtocolVersion: 99, Command: CommandPing})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Success || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("expected protocol mismatch, got %+v", resp)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	_, client, _ := startServer(t)

	err := client.Call(context.Background(), "frobnicate", nil, nil)
	detail, ok := err.(*ErrorDetail)
	if !ok || detail.Code != ErrCodeUnknownCommand {
		t.Errorf("expected unknown command error, got %v", err)
	}
}

func TestServer_HandlerGetsParamsAndContext(t *testing.T) {
	server, client, _ := startServer(t)

	server.Handle(CommandCollect, func(ctx context.Context, req *Request) *Response {
		if _, ok := ctx.Deadline(); !ok {
			return ErrorResponse(ErrCodeInternal, "no deadline")
		}
		var p struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(map[string]string{"echo": p.Reason})
	})

	var out map[string]string
	if err := client.Call(context.Background(), CommandCollect, map[string]string{"reason": "manual"}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["echo"] != "manual" {
		t.Errorf("echo = %q", out["echo"])
	}
}

func TestServer_MultipleClients(t *testing.T) {
	_, client, _ := startServer(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- client.Call(context.Background(), CommandPing, nil, nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("ping failed: %v", err)
		}
	}
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(shortSockPath(t, "none.sock"))
	client.SetTimeout(time.Second)
	_, err := client.SendCommand(context.Background(), CommandPing, nil)
	if err == nil || !strings.Contains(err.Error(), "collector run") {
		t.Errorf("expected hint to start the collector, got %v", err)
	}
}

func TestServer_SocketPermissionsAndCleanup(t *testing.T) {
	sockPath := shortSockPath(t, "p.sock")
	server := NewServer(sockPath, zerolog.Nop())
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	server.Stop()
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("socket file not removed on stop")
	}
}

func TestResponseDecode(t *testing.T) {
	if err := ErrorResponse(ErrCodeBusy, "cycle running").Decode(nil); err == nil || err.Error() != "BUSY: cycle running" {
		t.Errorf("unexpected error %v", err)
	}
	if err := (&Response{}).Decode(nil); err == nil {
		t.Error("expected error for failed response without detail")
	}
	if err := SuccessResponse(nil).Decode(nil); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	var n int
	if err := SuccessResponse(7).Decode(&n); err != nil || n != 7 {
		t.Errorf("n=%d err=%v", n, err)
	}
}

func TestServer_HandlerPanicBecomesInternalError(t *testing.T) {
	server, client, _ := startServer(t)
	server.Handle(CommandCollect, func(context.Context, *Request) *Response {
		panic("boom")
	})

	err := client.Call(context.Background(), CommandCollect, nil, nil)
	detail, ok := err.(*ErrorDetail)
	if !ok || detail.Code != ErrCodeInternal || !strings.Contains(detail.Message, "boom") {
		t.Fatalf("expected internal error, got %v", err)
	}
	// the server keeps serving
	if err := client.Call(context.Background(), CommandPing, nil, nil); err != nil {
		t.Errorf("ping after panic: %v", err)
	}
}

func TestServer_RefusesLiveSocketReplacesStale(t *testing.T) {
	_, _, sockPath := startServer(t)

	second := NewServer(sockPath, zerolog.Nop())
	if err := second.Start(); err == nil || !strings.Contains(err.Error(), "in use") {
		second.Stop()
		t.Fatalf("expected in use error, got %v", err)
	}

	stale := shortSockPath(t, "stale.sock")
	if err := os.WriteFile(stale, nil, 0600); err != nil {
		t.Fatal(err)
	}
	s := NewServer(stale, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("stale socket not replaced: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
