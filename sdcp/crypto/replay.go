package crypto

// WindowSize is the width of the sliding replay window. Datagrams more
// than WindowSize sequences behind the highest accepted one are dropped.
const WindowSize = 64

// Window tracks accepted sequence numbers for one receive direction.
// Sequence numbers start at 1; zero is never valid.
//
// Window is not safe for concurrent use; callers serialize per session.
type Window struct {
	top  uint64 // highest sequence accepted so far
	bits uint64 // bitmap of accepted sequences in (top-64, top]
}

// Check reports whether seq would currently be accepted, without
// mutating the window.
func (w *Window) Check(seq uint64) bool {
	if seq == 0 {
		return false
	}
	if seq > w.top {
		return true
	}
	offset := w.top - seq
	if offset >= WindowSize {
		return false
	}
	return w.bits&(1<<offset) == 0
}

// Commit marks seq as accepted. It returns false if seq is a duplicate
// or has fallen out of the window, in which case the datagram must be
// dropped.
func (w *Window) Commit(seq uint64) bool {
	if !w.Check(seq) {
		return false
	}
	if seq > w.top {
		shift := seq - w.top
		if shift >= WindowSize {
			w.bits = 0
		} else {
			w.bits <<= shift
		}
		w.top = seq
		w.bits |= 1
		return true
	}
	w.bits |= 1 << (w.top - seq)
	return true
}
