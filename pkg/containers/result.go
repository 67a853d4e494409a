package containers

// Result carries either a value or the error that prevented producing it.
// It is used by iterators, which cannot return an error alongside each element.
type Result[T any] struct {
	Value T
	Err   error
}

func (r *Result[T]) IsOk() bool {
	return r.Err == nil
}

func (r *Result[T]) IsErr() bool {
	return r.Err != nil
}

// Unwrap returns the value, panicking if the result holds an error.
func (r *Result[T]) Unwrap() T {
	if r.IsErr() {
		panic("called Unwrap on an Err result")
	}
	return r.Value
}

// Get returns the value and the error, in the usual Go order.
func (r *Result[T]) Get() (T, error) {
	return r.Value, r.Err
}

func Ok[T any](value T) Result[T] {
	return Result[T]{Value: value}
}

func Err[T any](err error) Result[T] {
	return Result[T]{Err: err}
}
