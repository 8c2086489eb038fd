package collab

// Result is the outcome of a versioned commit: either Ok with the new
// version, or a Conflict carrying the value the store actually holds.
type Result[T any] struct {
	ok      bool
	version uint64
	current T
}

// Ok returns a successful result at version.
func Ok[T any](version uint64, committed T) Result[T] {
	return Result[T]{ok: true, version: version, current: committed}
}

// Conflict returns a rejected result holding the stored value.
func Conflict[T any](current T) Result[T] {
	return Result[T]{current: current}
}

// Committed reports whether the write was applied.
func (r Result[T]) Committed() bool { return r.ok }

// Version is the new version after a successful commit, or zero.
func (r Result[T]) Version() uint64 { return r.version }

// Current is the committed value on success and the server's value on
// conflict.
func (r Result[T]) Current() T { return r.current }
