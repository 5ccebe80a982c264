package collector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcdev/calvalus-portal/internal/lock"
	"github.com/bcdev/calvalus-portal/internal/model"
	"github.com/bcdev/calvalus-portal/internal/uds"
)

func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "cv-col-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startDaemon(t *testing.T, src JobSource) (*Daemon, *uds.Client, chan error) {
	t.Helper()
	dir := shortDir(t)
	c, _ := newTestCollector(t, src)
	d := NewDaemon(DaemonConfig{
		SocketPath:      filepath.Join(dir, "c.sock"),
		LockPath:        filepath.Join(dir, "c.lock"),
		PollInterval:    time.Hour,
		ShutdownTimeout: 2 * time.Second,
	}, c, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	client := uds.NewClient(filepath.Join(dir, "c.sock"))
	client.SetTimeout(2 * time.Second)
	require.Eventually(t, func() bool {
		_, err := client.SendCommand(context.Background(), uds.CommandPing, nil)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return d, client, done
}

func TestDaemon_ControlSocket(t *testing.T) {
	src := &fakeSource{jobs: []Job{job("a", day1+1)}}
	d, client, done := startDaemon(t, src)
	ctx := context.Background()

	pid, err := lock.HolderPID(d.cfg.LockPath)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// the startup cycle reports a; an explicit collect finds nothing new
	require.Eventually(t, func() bool { return d.collector.Progress().State == model.StateCompleted }, 2*time.Second, 10*time.Millisecond)
	var res CycleResult
	require.NoError(t, client.Call(ctx, uds.CommandCollect, nil, &res))
	assert.Equal(t, 0, res.Reported)
	assert.Equal(t, 1, res.Skipped)

	var report StatusReport
	require.NoError(t, client.Call(ctx, uds.CommandStatus, nil, &report))
	assert.Equal(t, os.Getpid(), report.PID)
	assert.Equal(t, int64(1), report.Status.ReportsWritten)
	assert.Equal(t, model.StateCompleted, report.Progress.State)

	require.NoError(t, client.Call(ctx, uds.CommandShutdown, nil, nil))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	pid, err = lock.HolderPID(d.cfg.LockPath)
	require.NoError(t, err)
	assert.Zero(t, pid)
}

func TestDaemon_SecondInstanceIsRejected(t *testing.T) {
	d, _, done := startDaemon(t, &fakeSource{})

	c2, _ := newTestCollector(t, &fakeSource{})
	d2 := NewDaemon(DaemonConfig{SocketPath: d.cfg.SocketPath + "2", LockPath: d.cfg.LockPath}, c2, zerolog.Nop())
	err := d2.Run(context.Background())
	assert.ErrorIs(t, err, lock.ErrLocked)

	d.Shutdown()
	<-done
}

func TestDaemon_Router(t *testing.T) {
	c, _ := newTestCollector(t, &fakeSource{jobs: []Job{job("a", day1+1)}})
	_, err := c.Collect(context.Background())
	require.NoError(t, err)

	d := NewDaemon(DaemonConfig{}, c, zerolog.Nop())
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var report StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, int64(1), report.Status.ReportsWritten)
	assert.Equal(t, 1, report.Last.Reported)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "calvalus_collector_cycles_total"))
	assert.True(t, strings.Contains(string(body), `calvalus_http_requests_total{method="GET",path="/healthz",status="200"}`))
}
