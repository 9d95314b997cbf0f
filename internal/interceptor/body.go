package interceptor

import (
	"bytes"
	"errors"
	"io"
)

// maxCachedBody bounds the copy kept of a network-first body. Longer bodies
// (or bodies that never end, like unmatched live streams) are not cached.
const maxCachedBody = 16 << 20

// cappedBuffer keeps written bytes up to limit and then discards everything
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.overflow {
		return len(p), nil
	}
	if c.buf.Len()+len(p) > c.limit {
		c.overflow = true
		c.buf = bytes.Buffer{}
		return len(p), nil
	}
	return c.buf.Write(p)
}

// teeBody hands a response body to the client unchanged while copying it.
// onComplete receives the copy once the body was read to EOF. A body closed
// before EOF or larger than the cap is never handed over.
type teeBody struct {
	body       io.ReadCloser
	reader     io.Reader
	kept       *cappedBuffer
	finished   bool
	onComplete func(body []byte)
}

func newTeeBody(body io.ReadCloser, limit int, onComplete func(body []byte)) *teeBody {
	kept := &cappedBuffer{limit: limit}
	return &teeBody{
		body:       body,
		reader:     io.TeeReader(body, kept),
		kept:       kept,
		onComplete: onComplete,
	}
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.reader.Read(p)
	if err != nil && !t.finished {
		t.finished = true
		if errors.Is(err, io.EOF) && !t.kept.overflow {
			t.onComplete(t.kept.buf.Bytes())
		}
	}
	return n, err
}

func (t *teeBody) Close() error {
	t.finished = true
	return t.body.Close()
}
