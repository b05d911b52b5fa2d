package gate

import "math"

// RMSLevel computes the root-mean-square level of 16-bit signed
// little-endian PCM, normalized to 0.0..1.0. Hosts that cannot supply
// their own level meter feed chunks through this before OnLevelSample.
func RMSLevel(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}
