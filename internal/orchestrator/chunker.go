// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"strings"
	"time"
)

// chunker coalesces a stage's streamed text into throttled chunk emissions:
// it flushes once the buffer reaches maxChars or maxElapsed has passed since
// the previous emission, whichever comes first. Flush must be called when the
// stage ends so the trailing text is never lost.
type chunker struct {
	maxChars   int
	maxElapsed time.Duration
	emit       func(text string)
	now        func() time.Time

	buf      strings.Builder
	lastEmit time.Time
}

func newChunker(maxChars int, maxElapsed time.Duration, emit func(text string)) *chunker {
	return &chunker{
		maxChars:   maxChars,
		maxElapsed: maxElapsed,
		emit:       emit,
		now:        time.Now,
	}
}

func (c *chunker) Add(text string) {
	if text == "" {
		return
	}

	if c.buf.Len() == 0 && c.lastEmit.IsZero() {
		c.lastEmit = c.now()
	}
	c.buf.WriteString(text)

	if c.buf.Len() >= c.maxChars || c.now().Sub(c.lastEmit) >= c.maxElapsed {
		c.Flush()
	}
}

func (c *chunker) Flush() {
	if c.buf.Len() == 0 {
		return
	}
	text := c.buf.String()
	c.buf.Reset()
	c.lastEmit = c.now()
	c.emit(text)
}
