package fpstate

// FirstXmmMismatch compares the first n XMM registers of want and got as
// 64-bit words and returns the index of the first register that differs, or
// -1 when all match.
func FirstXmmMismatch(want, got State, n int) int {
	for i := 0; i < n; i++ {
		if want.Vec64(i, 0) != got.Vec64(i, 0) || want.Vec64(i, 1) != got.Vec64(i, 1) {
			return i
		}
	}
	return -1
}

// ByteMismatch is one XMM byte that did not hold the expected value.
type ByteMismatch struct {
	Reg  int
	Byte int
	Got  uint8
}

// XmmByteMismatches checks every byte of the first n XMM registers against
// want.
func XmmByteMismatches(s State, n int, want uint8) []ByteMismatch {
	var out []ByteMismatch
	for i := 0; i < n; i++ {
		for j := 0; j < XmmSize; j++ {
			if v := s.Vec8(i, j); v != want {
				out = append(out, ByteMismatch{Reg: i, Byte: j, Got: v})
			}
		}
	}
	return out
}
