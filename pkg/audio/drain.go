package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to keep a producer from blocking when nobody consumes a stream's
// frames, e.g. when a source is disconnected before its streams are handled.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
