package executor

import (
	"bytes"
	"math"
	"sync"
	"unicode/utf8"
)

// lineTee captures everything written to it and hands each complete text line
// to emit. Once a line looks binary the tee keeps capturing but stops emitting.
type lineTee struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	pending []byte
	binary  bool
	emit    func(string)
}

func newLineTee(emit func(string)) *lineTee {
	return &lineTee{emit: emit}
}

func (t *lineTee) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if t.binary {
		return len(p), nil
	}
	t.pending = append(t.pending, p...)
	for {
		idx := bytes.IndexByte(t.pending, '\n')
		if idx < 0 {
			break
		}
		line := t.pending[:idx]
		t.pending = t.pending[idx+1:]
		if !t.line(line) {
			return len(p), nil
		}
	}
	return len(p), nil
}

// flush emits a trailing line without newline.
func (t *lineTee) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.binary || len(t.pending) == 0 {
		return
	}
	t.line(t.pending)
	t.pending = nil
}

func (t *lineTee) line(line []byte) bool {
	if looksBinary(line) {
		t.binary = true
		t.pending = nil
		return false
	}
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if t.emit != nil {
		t.emit(string(line))
	}
	return true
}

func (t *lineTee) bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf.Bytes()...)
}

func looksBinary(data []byte) bool {
	return bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data)
}

// progress tracks a monotonic completion value in [0, 1].
type progress struct {
	mu    sync.Mutex
	value float64
}

// advance stores v when it moves forward and reports whether it did.
func (p *progress) advance(v float64) (float64, bool) {
	if math.IsNaN(v) {
		return 0, false
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if v <= p.value {
		return p.value, false
	}
	p.value = v
	return v, true
}

func (p *progress) current() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}
