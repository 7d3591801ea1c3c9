// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package executor

import (
	"bytes"
	"fmt"
)

// capture keeps the first limit bytes written to it and counts the rest.
// Write never fails, so the remote copy loop always drains the channel.
type capture struct {
	limit   int
	buf     bytes.Buffer
	omitted int64
}

func newCapture(limit int) *capture {
	return &capture{limit: limit}
}

func (c *capture) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	switch {
	case room <= 0:
		c.omitted += int64(len(p))
	case len(p) > room:
		c.buf.Write(p[:room])
		c.omitted += int64(len(p) - room)
	default:
		c.buf.Write(p)
	}
	return len(p), nil
}

func (c *capture) truncated() bool { return c.omitted > 0 }

// String returns the captured text, followed by a marker when bytes were dropped.
func (c *capture) String() string {
	if c.omitted == 0 {
		return c.buf.String()
	}
	return c.buf.String() + fmt.Sprintf(TruncationMarker, c.omitted)
}

// TruncationMarker is appended to output that exceeded the byte cap.
const TruncationMarker = "\n[output truncated: %d bytes omitted]"
