package invitation

import "errors"

var errNotEnoughBits = errors.New("invitation: not enough bits")

// bitReader reads LSB-first bit fields from a byte slice.
type bitReader struct {
	data  []byte
	index int
}

func (r *bitReader) readBits(n int) (uint64, error) {
	if r.index+n > len(r.data)*8 {
		return 0, errNotEnoughBits
	}

	var value uint64
	for i := 0; i < n; i++ {
		bit := r.index + i
		if r.data[bit/8]&(1<<(bit%8)) != 0 {
			value |= 1 << i
		}
	}
	r.index += n
	return value, nil
}

// bitWriter packs LSB-first bit fields into a byte slice.
type bitWriter struct {
	data  []byte
	index int
}

func (w *bitWriter) writeBits(value uint64, n int) {
	for need := (w.index + n + 7) / 8; len(w.data) < need; {
		w.data = append(w.data, 0)
	}
	for i := 0; i < n; i++ {
		if value&(1<<i) != 0 {
			bit := w.index + i
			w.data[bit/8] |= 1 << (bit % 8)
		}
	}
	w.index += n
}

func (w *bitWriter) bytes() []byte {
	return w.data
}
