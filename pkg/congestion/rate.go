package congestion

import "math"

// minLossFraction floors the loss fraction fed into the rate equation;
// without it, p -> 0 drives the computed rate to infinity, which is
// mathematically correct but useless to a caller that must pick a
// concrete tx_rate.
const minLossFraction = 1e-8

// TFRCRate evaluates the TFRC steady-state throughput equation (RFC
// 5348 §3.1): given a segment size in bytes, a round-trip time in
// seconds, and a loss event rate p in [0,1), it returns the fair send
// rate in bytes/second a TCP-compatible flow would sustain under that
// loss rate. retransmitTimeout, if zero, defaults to 4*rtt per the
// RFC's t_RTO approximation when no direct RTO estimate is available.
func TFRCRate(segmentSize float64, rtt float64, p float64, retransmitTimeout float64) float64 {
	if rtt <= 0 {
		rtt = 0.001
	}
	if p < minLossFraction {
		p = minLossFraction
	}
	tRTO := retransmitTimeout
	if tRTO <= 0 {
		tRTO = 4 * rtt
	}
	term1 := rtt * math.Sqrt(2*p/3)
	term2 := tRTO * 3 * math.Sqrt(3*p/8) * p * (1 + 32*p*p)
	denom := term1 + term2
	if denom <= 0 {
		return 0
	}
	return segmentSize / denom
}

// QuantizedRate is a convenience wrapper returning TFRCRate bounded to
// [min, max], the clamp a sender applies before honoring
// tx_rate_min/tx_rate_max per spec.md §6.
func QuantizedRate(segmentSize, rtt, p, retransmitTimeout, min, max float64) float64 {
	r := TFRCRate(segmentSize, rtt, p, retransmitTimeout)
	if r < min {
		return min
	}
	if max > 0 && r > max {
		return max
	}
	return r
}
