package gf256

import "errors"

// ErrTooManySymbols is returned when ndata+nparity would exceed the
// field's 255 nonzero elements, the hard ceiling for a single RS
// codeword over GF(2^8).
var ErrTooManySymbols = errors.New("gf256: ndata+nparity exceeds 255 symbols")

// ErrDecodeFailure is returned when a decode cannot recover the
// requested erasures, either because there are more erasures than
// parity symbols or the erasure locator evaluates to a zero
// denominator (a degenerate, not expected to occur in practice, input).
var ErrDecodeFailure = errors.New("gf256: erasure decode failed")

// ErrSequenceError is returned when Encode is called with a segmentId
// other than the next one expected in ascending order.
var ErrSequenceError = errors.New("gf256: segments must be fed in ascending order")

// Encoder computes systematic Reed-Solomon parity for a single block.
// Source symbols occupy codeword positions [0, ndata); parity symbols
// occupy [ndata, ndata+nparity). Encode must be called once per source
// segment with ascending segmentId starting at 0; ParityReadiness
// reports how many segments have been ingested so far and the parity
// vectors become final the moment the ndata-th segment is fed,
// matching the incremental feed a sender's segment-by-segment
// transmission naturally produces.
//
// Internally this runs nparity running accumulator vectors rather than
// a polynomial long division: accumulator i holds the partial sum
// Σ data[j] * alpha^{(i+1)*j} for j fed so far, advanced one term per
// call by a single multiply-then-step (the "shift register" is the
// per-accumulator running power of alpha^{i+1}, not the data itself).
// Once all ndata segments have been folded in, the accumulators are
// solved against a precomputed inverse Vandermonde-style matrix to
// produce the final parity vectors in one shot.
type Encoder struct {
	ndata, nparity int
	vectorSize     int

	inv [][]byte // nparity x nparity, precomputed at construction

	accum [][]byte // nparity running accumulators, each vectorSize bytes
	pow   []byte   // alpha^{(i+1)*fed}, advanced each Encode call
	step  []byte   // alpha^{i+1}, the constant per-accumulator multiplier

	fed       int
	parity    [][]byte
	finalized bool
}

// NewEncoder builds an encoder for a block with ndata source segments,
// nparity parity segments, each vectorSize bytes long.
func NewEncoder(ndata, nparity, vectorSize int) (*Encoder, error) {
	if ndata+nparity > 255 {
		return nil, ErrTooManySymbols
	}
	e := &Encoder{
		ndata:      ndata,
		nparity:    nparity,
		vectorSize: vectorSize,
	}
	if nparity > 0 {
		a := make([][]byte, nparity)
		for i := 0; i < nparity; i++ {
			row := make([]byte, nparity)
			for k := 0; k < nparity; k++ {
				row[k] = Exp((i + 1) * (ndata + k))
			}
			a[i] = row
		}
		inv, ok := InvertMatrix(a)
		if !ok {
			return nil, ErrDecodeFailure
		}
		e.inv = inv
	}
	e.Reset()
	return e, nil
}

// Reset prepares the encoder for a new block of the same dimensions.
func (e *Encoder) Reset() {
	e.accum = make([][]byte, e.nparity)
	e.pow = make([]byte, e.nparity)
	e.step = make([]byte, e.nparity)
	for i := 0; i < e.nparity; i++ {
		e.accum[i] = make([]byte, e.vectorSize)
		e.pow[i] = 1 // alpha^0
		e.step[i] = Exp(i + 1)
	}
	e.fed = 0
	e.parity = nil
	e.finalized = false
}

// ParityReadiness reports how many source segments have been ingested.
// It equals the segmentId of the most recently fed segment, plus one.
func (e *Encoder) ParityReadiness() int { return e.fed }

// Encode folds source segment segmentId's data into the running parity
// accumulators. segmentId must equal ParityReadiness() (i.e. segments
// must arrive in order starting at 0).
func (e *Encoder) Encode(segmentId int, data []byte) error {
	if segmentId != e.fed {
		return ErrSequenceError
	}
	if e.fed >= e.ndata {
		return ErrSequenceError
	}
	if len(data) != e.vectorSize {
		return ErrDecodeFailure
	}
	for i := 0; i < e.nparity; i++ {
		mult := e.pow[i]
		acc := e.accum[i]
		if mult != 0 {
			for p := 0; p < e.vectorSize; p++ {
				if data[p] != 0 {
					acc[p] ^= Multiply(data[p], mult)
				}
			}
		}
		e.pow[i] = Multiply(e.pow[i], e.step[i])
	}
	e.fed++
	if e.fed == e.ndata {
		e.finalize()
	}
	return nil
}

func (e *Encoder) finalize() {
	e.parity = make([][]byte, e.nparity)
	for k := 0; k < e.nparity; k++ {
		out := make([]byte, e.vectorSize)
		row := e.inv[k]
		for i := 0; i < e.nparity; i++ {
			coef := row[i]
			if coef == 0 {
				continue
			}
			acc := e.accum[i]
			for p := 0; p < e.vectorSize; p++ {
				if acc[p] != 0 {
					out[p] ^= Multiply(acc[p], coef)
				}
			}
		}
		e.parity[k] = out
	}
	e.finalized = true
}

// Parity returns parity segment k (0 <= k < nparity) and true once the
// block has been fully fed (ParityReadiness() == ndata); otherwise it
// returns (nil, false).
func (e *Encoder) Parity(k int) ([]byte, bool) {
	if !e.finalized {
		return nil, false
	}
	return e.parity[k], true
}

// Decoder recovers erased source segments of a block given the
// surviving source and parity segments, by the erasure-only variant of
// the Forney algorithm: build the erasure locator polynomial Λ from
// the known erased positions, compute syndromes from the received
// (zero-filled at erasures) codeword, derive the error evaluator Ω =
// ΛS mod x^nparity, and recover each erased source value as
// Ω(α^-e)/Λ'(α^-e).
type Decoder struct {
	ndata, nparity int
}

// NewDecoder builds a decoder for a block with the given dimensions.
func NewDecoder(ndata, nparity int) *Decoder {
	return &Decoder{ndata: ndata, nparity: nparity}
}

// Decode recovers erased source segments in place. symbols must have
// length ndata+nparity; symbols[j] is the segment at codeword position
// j, vectorSize bytes each. Positions in erasures must be zero-filled
// on entry; Decode overwrites symbols[e] for every erasure e < ndata
// with the recovered original value. erasures need not be sorted.
// Returns ErrDecodeFailure if there are more erasures than parity
// segments (unrecoverable) or the erasure locator degenerates.
func (d *Decoder) Decode(symbols [][]byte, erasures []int) error {
	if len(erasures) == 0 {
		return nil
	}
	if len(erasures) > d.nparity {
		return ErrDecodeFailure
	}
	n := d.ndata + d.nparity
	vectorSize := 0
	for _, s := range symbols {
		if len(s) > 0 {
			vectorSize = len(s)
			break
		}
	}

	sorted := append([]int(nil), erasures...)
	sortInts(sorted)

	lambda := buildErasureLocator(sorted)
	lambdaDeriv := derivative(lambda)

	// per-erasure data-independent quantities
	type erasureTerm struct {
		pos           int
		invAlpha      byte
		lambdaDerivAt byte
	}
	var terms []erasureTerm
	for _, epos := range sorted {
		if epos >= d.ndata {
			break // parity-only erasures need no recovery
		}
		invAlpha := Exp(-epos)
		ld := evalPoly(lambdaDeriv, invAlpha)
		if ld == 0 {
			return ErrDecodeFailure
		}
		terms = append(terms, erasureTerm{pos: epos, invAlpha: invAlpha, lambdaDerivAt: ld})
	}
	if len(terms) == 0 {
		return nil
	}

	syndrome := make([]byte, d.nparity)
	omega := make([]byte, 0, d.nparity)
	for p := 0; p < vectorSize; p++ {
		for i := 0; i < d.nparity; i++ {
			syndrome[i] = hornerSyndrome(symbols, n, i+1, p)
		}
		omega = polyMulTruncated(lambda, syndrome, d.nparity, omega)
		for _, term := range terms {
			omegaVal := evalPoly(omega, term.invAlpha)
			symbols[term.pos][p] = Div(omegaVal, term.lambdaDerivAt)
		}
	}
	return nil
}

// hornerSyndrome computes S = Σ_j symbols[j][p] * alpha^{root*j} via
// Horner's method, evaluating the codeword polynomial (coefficient of
// x^j is symbols[j][p]) at alpha^root.
func hornerSyndrome(symbols [][]byte, n, root, p int) byte {
	x := Exp(root)
	var acc byte
	for j := n - 1; j >= 0; j-- {
		var v byte
		if j < len(symbols) && p < len(symbols[j]) {
			v = symbols[j][p]
		}
		acc = Multiply(acc, x) ^ v
	}
	return acc
}

// buildErasureLocator returns Λ(x) = Π (1 - alpha^e * x), coefficients
// low-degree first, for the given erased positions.
func buildErasureLocator(erasures []int) []byte {
	lambda := []byte{1}
	for _, e := range erasures {
		xk := Exp(e)
		next := make([]byte, len(lambda)+1)
		for i, c := range lambda {
			next[i] ^= c
			next[i+1] ^= Multiply(c, xk)
		}
		lambda = next
	}
	return lambda
}

// derivative returns the formal derivative of a polynomial over
// GF(2^8); in characteristic 2 only odd-degree terms survive,
// shifted down one degree.
func derivative(p []byte) []byte {
	v := len(p) - 1
	if v < 1 {
		return []byte{0}
	}
	out := make([]byte, v)
	for t := 1; t <= v; t++ {
		if t%2 == 1 {
			out[t-1] = p[t]
		}
	}
	return out
}

// evalPoly evaluates p (low-degree-first coefficients) at x via Horner.
func evalPoly(p []byte, x byte) byte {
	var acc byte
	for i := len(p) - 1; i >= 0; i-- {
		acc = Multiply(acc, x) ^ p[i]
	}
	return acc
}

// polyMulTruncated multiplies a and b (low-degree-first) and keeps
// only degrees [0, maxLen), reusing out's backing array when large
// enough to avoid an allocation per byte position.
func polyMulTruncated(a, b []byte, maxLen int, out []byte) []byte {
	if cap(out) < maxLen {
		out = make([]byte, maxLen)
	} else {
		out = out[:maxLen]
		for i := range out {
			out[i] = 0
		}
	}
	for i, ca := range a {
		if ca == 0 || i >= maxLen {
			continue
		}
		for j, cb := range b {
			if cb == 0 || i+j >= maxLen {
				continue
			}
			out[i+j] ^= Multiply(ca, cb)
		}
	}
	return out
}

// sortInts is a tiny insertion sort; erasure counts are bounded by
// nparity, which is always small, so this avoids pulling in sort for a
// handful of elements.
func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}
