package engine

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"
)

// cappedBuffer keeps the first limit bytes written to it and counts the rest.
// Writes never fail so the child never sees a broken pipe. The cut never
// splits a UTF-8 sequence, and String replaces invalid bytes, so the text is
// always storable in a utf8mb4 column.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	room := b.limit - b.buf.Len()
	if b.dropped > 0 || room <= 0 {
		b.dropped += n
		return n, nil
	}
	if len(p) > room {
		cut := room
		for cut > 0 && !utf8.RuneStart(p[cut]) {
			cut--
		}
		b.dropped += len(p) - cut
		p = p[:cut]
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) Truncated() bool { return b.dropped > 0 }

func (b *cappedBuffer) String() string {
	s := strings.ToValidUTF8(b.buf.String(), "\uFFFD")
	if b.dropped == 0 {
		return s
	}
	return s + fmt.Sprintf("\n...[truncated %d bytes]", b.dropped)
}
