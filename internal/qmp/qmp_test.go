package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer accepts exactly one connection, sends the greeting, handles the
// qmp_capabilities handshake, and then echoes back a canned "return" for
// every request it receives (unless a custom handler is supplied).
type fakeServer struct {
	ln      net.Listener
	handler func(req map[string]interface{}) map[string]interface{}
}

func newFakeServer(t *testing.T, socketPath string) *fakeServer {
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	return &fakeServer{ln: ln}
}

func (f *fakeServer) serveOne(t *testing.T) net.Conn {
	conn, err := f.ln.Accept()
	require.NoError(t, err)

	w := bufio.NewWriter(conn)
	greet, _ := json.Marshal(map[string]interface{}{
		"QMP": map[string]interface{}{
			"version":      map[string]interface{}{"qemu": map[string]interface{}{"major": 8, "minor": 0, "micro": 0}},
			"capabilities": []interface{}{},
		},
	})
	w.Write(append(greet, '\n'))
	w.Flush()

	r := bufio.NewReader(conn)
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &req))
	require.Equal(t, "qmp_capabilities", req["execute"])

	resp, _ := json.Marshal(map[string]interface{}{"return": map[string]interface{}{}, "id": req["id"]})
	w.Write(append(resp, '\n'))
	w.Flush()

	go func() {
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			var req map[string]interface{}
			if err := json.Unmarshal(line, &req); err != nil {
				continue
			}

			var resp map[string]interface{}
			if f.handler != nil {
				resp = f.handler(req)
			} else {
				resp = map[string]interface{}{"return": map[string]interface{}{"status": "running"}}
			}
			resp["id"] = req["id"]

			data, _ := json.Marshal(resp)
			w.Write(append(data, '\n'))
			w.Flush()
		}
	}()

	return conn
}

func tempSocket(t *testing.T) string {
	dir := t.TempDir()
	return filepath.Join(dir, "monitor.sock")
}

func TestConnectAndHandshake(t *testing.T) {
	sock := tempSocket(t)
	fs := newFakeServer(t, sock)
	defer fs.ln.Close()

	go fs.serveOne(t)

	c := NewConn(sock)
	err := c.Connect(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, c.IsReady())
}

func TestExecuteQueryStatus(t *testing.T) {
	sock := tempSocket(t)
	fs := newFakeServer(t, sock)
	defer fs.ln.Close()

	go fs.serveOne(t)

	c := NewConn(sock)
	require.NoError(t, c.Connect(context.Background(), time.Second))

	status, err := c.QueryStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, "running", status)
}

func TestConcurrentCommandsNoCrossTalk(t *testing.T) {
	// L5: N concurrent executes produce N responses with no cross-talk.
	sock := tempSocket(t)
	fs := newFakeServer(t, sock)
	fs.handler = func(req map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{"return": map[string]interface{}{"echo": req["execute"]}}
	}
	defer fs.ln.Close()

	go fs.serveOne(t)

	c := NewConn(sock)
	require.NoError(t, c.Connect(context.Background(), time.Second))

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("cmd-%d", i)
		go func() {
			raw, err := c.Execute(context.Background(), name, nil)
			if err == nil {
				var v struct {
					Echo string `json:"echo"`
				}
				if err = json.Unmarshal(raw, &v); err == nil && v.Echo != name {
					err = fmt.Errorf("command %s received the response for %s", name, v.Echo)
				}
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestPendingEmptyWhenDisconnected(t *testing.T) {
	// P6: the correlation table is empty whenever not connected.
	sock := tempSocket(t)
	fs := newFakeServer(t, sock)
	defer fs.ln.Close()

	go fs.serveOne(t)

	c := NewConn(sock)
	require.NoError(t, c.Connect(context.Background(), time.Second))
	c.Disconnect()

	require.Equal(t, 0, c.PendingCount())
}

func TestCommandTimeout(t *testing.T) {
	sock := tempSocket(t)
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		w := bufio.NewWriter(conn)
		greet, _ := json.Marshal(map[string]interface{}{"QMP": map[string]interface{}{"version": map[string]interface{}{}}})
		w.Write(append(greet, '\n'))
		w.Flush()

		r := bufio.NewReader(conn)
		line, _ := r.ReadBytes('\n')
		var req map[string]interface{}
		json.Unmarshal(line, &req)
		resp, _ := json.Marshal(map[string]interface{}{"return": map[string]interface{}{}, "id": req["id"]})
		w.Write(append(resp, '\n'))
		w.Flush()
		// Never respond to subsequent commands.
		io_discard(r)
	}()

	c := NewConn(sock)
	require.NoError(t, c.Connect(context.Background(), time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Execute(ctx, "query-status", nil)
	require.Error(t, err)
}

func io_discard(r *bufio.Reader) {
	buf := make([]byte, 512)
	for {
		if _, err := r.Read(buf); err != nil {
			return
		}
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
