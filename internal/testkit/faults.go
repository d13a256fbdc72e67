package testkit

import (
	"errors"
	"io"
)

var ErrInjectedFault = errors.New("injected fault")

// ErrorReader passes through the first limit bytes of r and then fails with
// err, the way a client that stalls or disconnects mid-body does.
type ErrorReader struct {
	r     io.Reader
	limit int64
	read  int64
	err   error
}

// NewErrorReader returns a reader that fails after limit bytes. A nil err
// means ErrInjectedFault.
func NewErrorReader(r io.Reader, limit int64, err error) *ErrorReader {
	if err == nil {
		err = ErrInjectedFault
	}
	return &ErrorReader{r: r, limit: limit, err: err}
}

func (e *ErrorReader) Read(p []byte) (int, error) {
	if e.read >= e.limit {
		return 0, e.err
	}
	if space := e.limit - e.read; int64(len(p)) > space {
		p = p[:space]
	}
	n, err := e.r.Read(p)
	e.read += int64(n)
	if err != nil {
		return n, err
	}
	if e.read >= e.limit {
		return n, e.err
	}
	return n, nil
}
