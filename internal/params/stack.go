package params

// Frame is one transaction stack entry: the block that was written and
// the values that held at its positions immediately before the write.
type Frame struct {
	Block  Block
	Values []float64
}

// Stack is the LIFO of speculative updates. It is a plain stack with no
// cross-checking: callers are responsible for matching push/pop order,
// and nested pushes over overlapping blocks unwind correctly as long as
// pops mirror pushes.
type Stack struct {
	frames []Frame
}

// Push records a snapshot frame.
func (s *Stack) Push(f Frame) {
	s.frames = append(s.frames, f)
}

// Pop removes and returns the most recent frame. The second return is
// false if the stack is empty.
func (s *Stack) Pop() (Frame, bool) {
	if len(s.frames) == 0 {
		return Frame{}, false
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return f, true
}

// Len returns the number of pending frames. It must be zero at the end
// of any public engine operation.
func (s *Stack) Len() int { return len(s.frames) }
