// Package qmp implements the Monitor Client: a client for the
// hypervisor's JSON line-framed management protocol exposed over a
// Unix-domain stream socket. Each request frame goes out in a single Write
// on the net.Conn, which serializes concurrent writers; one reader
// goroutine dispatches parsed lines to either a pending-command table or
// an event fan-out, with explicit per-command deadlines, typed event
// kinds, and classified errors.
package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/infinibay/hyperctl/pkg/hclog"
)

var log = hclog.For("qmp")

// Default timeouts per §5.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultCommandTimeout = 30 * time.Second
)

// request is the wire shape of a command request.
type request struct {
	Execute   string      `json:"execute"`
	Arguments interface{} `json:"arguments,omitempty"`
	ID        string      `json:"id"`
}

// Event is a dispatched asynchronous monitor event.
type Event struct {
	Name      string
	Data      map[string]interface{}
	Seconds   int64
	Micro     int64
}

// Greeting is the one-shot handshake object the server sends on accept.
type Greeting struct {
	Version      map[string]interface{}
	Capabilities []interface{}
}

type pending struct {
	resultCh chan json.RawMessage
	errCh    chan *Error
	timer    *time.Timer
}

// ReconnectOptions configures the optional auto-reconnect behavior.
type ReconnectOptions struct {
	Enabled     bool
	MaxAttempts int
	Delay       time.Duration
}

// Conn is a connection to one VM's monitor socket.
type Conn struct {
	socket string

	mu      sync.Mutex // guards conn lifecycle; frames are written outside it
	conn    net.Conn
	ready   bool
	closed  bool

	idMu sync.Mutex
	nextID uint64

	pendMu sync.Mutex
	pend   map[string]*pending

	listenMu sync.Mutex
	listeners map[string][]func(Event)
	generic   []func(Event)
	onDisconnect []func()
	onReconnect  []func()
	onReconnectFailed []func()

	reconnect ReconnectOptions

	greeting *Greeting
}

// NewConn creates an unconnected Conn for the given socket path.
func NewConn(socketPath string) *Conn {
	return &Conn{
		socket:    socketPath,
		pend:      make(map[string]*pending),
		listeners: make(map[string][]func(Event)),
	}
}

// SetReconnectOptions enables or reconfigures auto-reconnect. Must be
// called before Connect to take effect on unsolicited disconnects.
func (c *Conn) SetReconnectOptions(opts ReconnectOptions) {
	c.reconnect = opts
}

// Connect opens the socket, awaits the greeting, and performs the
// qmp_capabilities handshake. timeout bounds the whole sequence.
func (c *Conn) Connect(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	type result struct {
		err error
	}
	done := make(chan result, 1)

	go func() {
		done <- result{err: c.connect(timeout)}
	}()

	select {
	case r := <-done:
		return r.err
	case <-ctx.Done():
		return newErr(ErrConnectTimeout, ctx.Err())
	case <-time.After(timeout):
		return newErr(ErrConnectTimeout, fmt.Errorf("timed out after %s", timeout))
	}
}

func (c *Conn) connect(timeout time.Duration) error {
	log.Debug("connecting to monitor socket %v", c.socket)

	conn, err := net.DialTimeout("unix", c.socket, timeout)
	if err != nil {
		return classifyDialErr(err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	reader := bufio.NewReader(conn)

	line, err := readLine(reader)
	if err != nil {
		conn.Close()
		return newErr(ErrConnectTimeout, err)
	}

	var greet map[string]interface{}
	if err := json.Unmarshal(line, &greet); err != nil || greet["QMP"] == nil {
		conn.Close()
		return newErr(ErrHandshakeFailed, errors.New("did not receive QMP greeting"))
	}
	c.greeting = parseGreeting(greet)

	if err := writeFrame(conn, request{Execute: "qmp_capabilities"}); err != nil {
		conn.Close()
		return newErr(ErrHandshakeFailed, err)
	}

	respLine, err := readLine(reader)
	if err != nil {
		conn.Close()
		return newErr(ErrHandshakeTimeout, err)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(respLine, &resp); err != nil {
		conn.Close()
		return newErr(ErrHandshakeFailed, err)
	}
	if _, isErr := resp["error"]; isErr {
		conn.Close()
		return newErr(ErrHandshakeFailed, fmt.Errorf("handshake rejected: %v", resp["error"]))
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	go c.readLoop(reader)

	log.Info("monitor client ready on %v", c.socket)
	return nil
}

func parseGreeting(v map[string]interface{}) *Greeting {
	g := &Greeting{}
	if qmp, ok := v["QMP"].(map[string]interface{}); ok {
		if ver, ok := qmp["version"].(map[string]interface{}); ok {
			g.Version = ver
		}
		if caps, ok := qmp["capabilities"].([]interface{}); ok {
			g.Capabilities = caps
		}
	}
	return g
}

func classifyDialErr(err error) *Error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return newErr(ErrNotFound, err)
	case errors.Is(err, os.ErrPermission):
		return newErr(ErrPermissionDenied, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return newErr(ErrConnRefused, err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return newErr(ErrConnectTimeout, err)
		}
		return newErr(ErrGenericConnect, err)
	}
}

// Disconnect rejects every pending command with client-disconnected and
// closes the socket.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.ready = false
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.failAllPending(newErr(ErrClientDisconnect, errors.New("disconnected")))
}

func (c *Conn) failAllPending(e *Error) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()

	for id, p := range c.pend {
		p.timer.Stop()
		p.errCh <- e
		delete(c.pend, id)
	}
}

// PendingCount reports the number of in-flight commands. Used to verify
// P6: the correlation table is empty whenever the client is not connected.
func (c *Conn) PendingCount() int {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	return len(c.pend)
}

func (c *Conn) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Conn) nextCorrelationID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.nextID++
	return strconv.FormatUint(c.nextID, 10)
}

// Execute issues a correlated command and waits for its response or timeout.
func (c *Conn) Execute(ctx context.Context, name string, args interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return nil, newErr(ErrClientDisconnect, errors.New("not connected"))
	}
	conn := c.conn
	c.mu.Unlock()

	id := c.nextCorrelationID()

	deadline := DefaultCommandTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			deadline = d
		}
	}

	p := &pending{
		resultCh: make(chan json.RawMessage, 1),
		errCh:    make(chan *Error, 1),
	}

	c.pendMu.Lock()
	c.pend[id] = p
	p.timer = time.AfterFunc(deadline, func() {
		c.pendMu.Lock()
		if _, ok := c.pend[id]; ok {
			delete(c.pend, id)
			c.pendMu.Unlock()
			p.errCh <- newErr(ErrCommandTimeout, fmt.Errorf("command %q timed out after %s", name, deadline))
			return
		}
		c.pendMu.Unlock()
	})
	c.pendMu.Unlock()

	if err := writeFrame(conn, request{Execute: name, Arguments: args, ID: id}); err != nil {
		c.pendMu.Lock()
		delete(c.pend, id)
		c.pendMu.Unlock()
		p.timer.Stop()
		return nil, newErr(ErrClientDisconnect, err)
	}

	select {
	case res := <-p.resultCh:
		return res, nil
	case e := <-p.errCh:
		return nil, e
	case <-ctx.Done():
		return nil, newErr(ErrCommandTimeout, ctx.Err())
	}
}

func writeFrame(conn net.Conn, req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

func readLine(r *bufio.Reader) ([]byte, error) {
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		trimmed := trimNewline(line)
		if len(trimmed) == 0 {
			continue
		}
		return trimmed, nil
	}
}

func trimNewline(b []byte) []byte {
	n := len(b)
	for n > 0 && (b[n-1] == '\n' || b[n-1] == '\r') {
		n--
	}
	return b[:n]
}

func (c *Conn) readLoop(reader *bufio.Reader) {
	for {
		line, err := readLine(reader)
		if err != nil {
			c.handleDisconnect()
			return
		}

		var v map[string]interface{}
		if err := json.Unmarshal(line, &v); err != nil {
			log.Warn("discarding malformed monitor line: %v", err)
			continue
		}

		switch {
		case v["event"] != nil:
			c.dispatchEvent(v)
		case v["return"] != nil || v["error"] != nil:
			c.dispatchResponse(line, v)
		default:
			log.Warn("discarding unrecognized monitor line: %v", v)
		}
	}
}

func (c *Conn) dispatchResponse(raw []byte, v map[string]interface{}) {
	id, ok := v["id"].(string)
	if !ok {
		log.Warn("discarding response without id: %v", v)
		return
	}

	c.pendMu.Lock()
	p, ok := c.pend[id]
	if ok {
		delete(c.pend, id)
	}
	c.pendMu.Unlock()

	if !ok {
		log.Warn("discarding response for unknown id %v", id)
		return
	}
	p.timer.Stop()

	if errVal, isErr := v["error"]; isErr {
		em, _ := errVal.(map[string]interface{})
		class, _ := em["class"].(string)
		desc, _ := em["desc"].(string)
		p.errCh <- &Error{Kind: ErrCommandError, Class: class, Desc: desc}
		return
	}

	retData, _ := json.Marshal(v["return"])
	p.resultCh <- retData
}

func (c *Conn) dispatchEvent(v map[string]interface{}) {
	name, _ := v["event"].(string)
	data, _ := v["data"].(map[string]interface{})

	var sec, micro int64
	if ts, ok := v["timestamp"].(map[string]interface{}); ok {
		if s, ok := ts["seconds"].(float64); ok {
			sec = int64(s)
		}
		if u, ok := ts["microseconds"].(float64); ok {
			micro = int64(u)
		}
	}

	ev := Event{Name: name, Data: data, Seconds: sec, Micro: micro}

	c.listenMu.Lock()
	handlers := append([]func(Event){}, c.listeners[name]...)
	generic := append([]func(Event){}, c.generic...)
	c.listenMu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	for _, h := range generic {
		h(ev)
	}
}

// On registers a listener for a specific event kind, e.g. "SHUTDOWN".
func (c *Conn) On(event string, fn func(Event)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.listeners[event] = append(c.listeners[event], fn)
}

// OnEvent registers a listener invoked for every event, regardless of kind.
func (c *Conn) OnEvent(fn func(Event)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.generic = append(c.generic, fn)
}

// OnDisconnect registers a callback fired when the connection drops
// unsolicited (not via an explicit Disconnect call).
func (c *Conn) OnDisconnect(fn func()) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

func (c *Conn) handleDisconnect() {
	c.mu.Lock()
	wasReady := c.ready
	explicit := c.closed
	c.ready = false
	c.mu.Unlock()

	if !wasReady {
		return
	}

	c.failAllPending(newErr(ErrClientDisconnect, errors.New("connection closed")))

	c.listenMu.Lock()
	cbs := append([]func(){}, c.onDisconnect...)
	c.listenMu.Unlock()
	for _, cb := range cbs {
		cb()
	}

	if explicit || !c.reconnect.Enabled {
		return
	}

	go c.attemptReconnect()
}

func (c *Conn) attemptReconnect() {
	max := c.reconnect.MaxAttempts
	if max <= 0 {
		max = 1
	}
	delay := c.reconnect.Delay
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 1; attempt <= max; attempt++ {
		time.Sleep(delay)
		if err := c.connect(DefaultConnectTimeout); err == nil {
			c.listenMu.Lock()
			cbs := append([]func(){}, c.onReconnect...)
			c.listenMu.Unlock()
			for _, cb := range cbs {
				cb()
			}
			return
		}
	}

	c.listenMu.Lock()
	cbs := append([]func(){}, c.onReconnectFailed...)
	c.listenMu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// OnReconnect / OnReconnectFailed register callbacks for the auto-reconnect
// outcomes described in §4.1.
func (c *Conn) OnReconnect(fn func())       { c.onReconnect = append(c.onReconnect, fn) }
func (c *Conn) OnReconnectFailed(fn func()) { c.onReconnectFailed = append(c.onReconnectFailed, fn) }
