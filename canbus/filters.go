package canbus

// Composable FrameFilter helpers.

// ByID matches frames with the exact identifier.
func ByID(id uint32) FrameFilter {
	return func(f Frame) bool { return f.ID == id }
}

// ByRange matches frames whose ID is within [minID, maxID], inclusive.
func ByRange(minID, maxID uint32) FrameFilter {
	if maxID < minID {
		minID, maxID = maxID, minID
	}
	return func(f Frame) bool { return f.ID >= minID && f.ID <= maxID }
}

// ByMask matches when (frame.ID & mask) == (id & mask).
func ByMask(id uint32, mask uint32) FrameFilter {
	want := id & mask
	return func(f Frame) bool { return f.ID&mask == want }
}

// StandardOnly matches standard (11-bit) identifiers.
func StandardOnly() FrameFilter {
	return func(f Frame) bool { return !f.Extended }
}

// DataOnly matches non-RTR frames.
func DataOnly() FrameFilter {
	return func(f Frame) bool { return !f.RTR }
}

// RTROnly matches remote transmission requests.
func RTROnly() FrameFilter {
	return func(f Frame) bool { return f.RTR }
}

// And matches when every non-nil filter matches.
func And(filters ...FrameFilter) FrameFilter {
	return func(f Frame) bool {
		for _, fl := range filters {
			if fl != nil && !fl(f) {
				return false
			}
		}
		return true
	}
}

// Or matches when any non-nil filter matches. With no filters it matches
// nothing.
func Or(filters ...FrameFilter) FrameFilter {
	return func(f Frame) bool {
		for _, fl := range filters {
			if fl != nil && fl(f) {
				return true
			}
		}
		return false
	}
}

// Not inverts a filter. Not(nil) matches nothing.
func Not(a FrameFilter) FrameFilter {
	if a == nil {
		return func(Frame) bool { return false }
	}
	return func(f Frame) bool { return !a(f) }
}
