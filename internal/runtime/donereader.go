package runtime

import (
	"io"
	"sync"
)

// An [io.Reader] that closes done once the wrapped reader reports [io.EOF].
//
// Used to learn when a tar stream piped into a container has been fully
// consumed, so the exec's stdin can be closed. Other errors leave done open.
type doneReader struct {
	r    io.Reader
	once sync.Once
	done chan struct{}
}

func newDoneReader(r io.Reader) *doneReader {
	return &doneReader{r: r, done: make(chan struct{})}
}

func (d *doneReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err == io.EOF {
		d.once.Do(func() { close(d.done) })
	}
	return n, err
}
