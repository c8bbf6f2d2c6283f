package process

import (
	"bufio"
	"container/ring"
	"io"
	"sync"
)

// diagRing is a small bounded ring buffer of captured stdout/stderr lines.
// It exists so a long-running VM's console chatter cannot leak unbounded
// memory while still giving start-failure errors and getStatus diagnostics
// something to show.
type diagRing struct {
	mu   sync.Mutex
	r    *ring.Ring
	size int
}

func newDiagRing(size int) *diagRing {
	return &diagRing{r: ring.New(size), size: size}
}

func (d *diagRing) add(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.r.Value = line
	d.r = d.r.Next()
}

func (d *diagRing) lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, d.size)
	d.r.Do(func(v interface{}) {
		if v == nil {
			return
		}
		out = append(out, v.(string))
	})
	return out
}

// captureLines copies lines from r into the ring until EOF/error, then
// closes done.
func captureLines(r io.Reader, ring *diagRing, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ring.add(scanner.Text())
	}
}
