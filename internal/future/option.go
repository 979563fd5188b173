package future

// Option holds a value that may be absent. It is the result shape used when
// an asynchronous computation can legitimately produce no value, which Go
// cannot express as nil for arbitrary result types.
type Option[T any] struct {
	value   T
	present bool
}

// Some returns an Option holding v.
func Some[T any](v T) Option[T] {
	return Option[T]{value: v, present: true}
}

// None returns an absent Option.
func None[T any]() Option[T] {
	return Option[T]{}
}

// Get returns the held value and whether one is present.
func (o Option[T]) Get() (T, bool) {
	return o.value, o.present
}

// Present returns true if a value is held.
func (o Option[T]) Present() bool {
	return o.present
}

// OrZero returns the held value, or the zero value when absent.
func (o Option[T]) OrZero() T {
	return o.value
}
