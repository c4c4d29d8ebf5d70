package layout

// cell caches the first successful result of a resolution. Failed
// resolutions are not cached. Callers serialize access.
type cell[T any] struct {
	value T
	ok    bool
}

// get returns the cached value or runs resolve, which may perform I/O and
// create remote directories.
func (c *cell[T]) get(resolve func() (T, error)) (T, error) {
	if c.ok {
		return c.value, nil
	}
	v, err := resolve()
	if err != nil {
		var zero T
		return zero, err
	}
	c.value, c.ok = v, true
	return v, nil
}

func (c *cell[T]) invalidate() {
	var zero T
	c.value, c.ok = zero, false
}
