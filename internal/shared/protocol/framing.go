package protocol

import "bytes"

var (
	frameStart = []byte("MKSS:")
	frameEnd   = []byte(":MKSE")
)

// maxPendingFrame bounds how much unterminated data a splitter keeps.
const maxPendingFrame = 4 << 20

// AppendFraming wraps a serialized envelope in the stream delimiters.
func AppendFraming(serialized []byte) []byte {
	out := make([]byte, 0, len(frameStart)+len(serialized)+len(frameEnd))
	out = append(out, frameStart...)
	out = append(out, serialized...)
	return append(out, frameEnd...)
}

// Frame serializes e and wraps it in the stream delimiters.
func Frame(e *Envelope) ([]byte, error) {
	data, err := Marshal(e)
	if err != nil {
		return nil, err
	}
	return AppendFraming(data), nil
}

// FrameSplitter reassembles framed envelopes from a byte stream. A single
// read may carry several frames, or only part of one. Not safe for
// concurrent use.
type FrameSplitter struct {
	buf []byte
}

// Push appends data to the pending stream and returns the bodies of every
// frame completed so far, without delimiters. Bytes outside of a frame are
// discarded.
func (s *FrameSplitter) Push(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var frames [][]byte
	for {
		start := bytes.Index(s.buf, frameStart)
		if start < 0 {
			// keep a possible partial start marker
			if keep := len(frameStart) - 1; len(s.buf) > keep {
				s.buf = append(s.buf[:0], s.buf[len(s.buf)-keep:]...)
			}
			break
		}
		if start > 0 {
			s.buf = append(s.buf[:0], s.buf[start:]...)
		}

		end := bytes.Index(s.buf[len(frameStart):], frameEnd)
		if end < 0 {
			if len(s.buf) > maxPendingFrame {
				s.buf = s.buf[:0]
			}
			break
		}

		body := s.buf[len(frameStart) : len(frameStart)+end]
		frames = append(frames, append([]byte(nil), body...))
		s.buf = append(s.buf[:0], s.buf[len(frameStart)+end+len(frameEnd):]...)
	}
	return frames
}

// Pending reports how many bytes are buffered waiting for a frame end.
func (s *FrameSplitter) Pending() int {
	return len(s.buf)
}

// Reset drops any buffered bytes.
func (s *FrameSplitter) Reset() {
	s.buf = s.buf[:0]
}
