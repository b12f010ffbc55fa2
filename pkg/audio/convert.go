package audio

import "math"

// Downmix averages interleaved multi-channel samples into mono. A trailing
// incomplete sample group is dropped. Mono input is returned unchanged.
// Uses int32 accumulation, so the average always fits in int16.
func Downmix(interleaved []int16, channels int) []int16 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(interleaved[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// clamp16 rounds v and saturates it to the int16 range.
func clamp16(v float64) int16 {
	r := math.Round(v)
	if r > math.MaxInt16 {
		return math.MaxInt16
	}
	if r < math.MinInt16 {
		return math.MinInt16
	}
	return int16(r)
}
