package collector

// dedupCapacity bounds the fingerprint window. A full window is cleared
// wholesale; occasional re-delivery past the window is acceptable, the
// guarantee is at-least-once.
const dedupCapacity = 10000

type fingerprint struct {
	symbol    string
	timestamp int64
}

// dedupWindow suppresses records already seen with the same
// (symbol, timestamp), which is how double delivery across the
// stream/poll seam is swallowed. Not safe for concurrent use; it is
// owned by the collector's intake path.
type dedupWindow struct {
	seen map[fingerprint]struct{}
}

func newDedupWindow() *dedupWindow {
	return &dedupWindow{seen: make(map[fingerprint]struct{}, dedupCapacity)}
}

// observe reports whether the record is new, recording it if so.
func (d *dedupWindow) observe(symbol string, timestamp int64) bool {
	fp := fingerprint{symbol: symbol, timestamp: timestamp}
	if _, dup := d.seen[fp]; dup {
		return false
	}
	if len(d.seen) >= dedupCapacity {
		d.seen = make(map[fingerprint]struct{}, dedupCapacity)
	}
	d.seen[fp] = struct{}{}
	return true
}

func (d *dedupWindow) size() int { return len(d.seen) }
