package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer blocked on a streaming channel whose values
// are no longer needed, such as the outputs of a backend being torn down.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
