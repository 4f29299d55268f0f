package store

// Fake is an in-memory KV for tests. It records the order of Set calls so
// tests can assert that a value was persisted before a function returned.
type Fake struct {
	// Values holds the current value per key.
	Values map[string][]byte

	// SetLog records the keys passed to Set, in call order.
	SetLog []string

	// SetError, if set, will be returned by Set.
	SetError error

	// GetError, if set, will be returned by Get.
	GetError error
}

// NewFake creates an empty fake store.
func NewFake() *Fake {
	return &Fake{Values: make(map[string][]byte)}
}

// Get returns the stored value.
func (f *Fake) Get(key string) ([]byte, bool, error) {
	if f.GetError != nil {
		return nil, false, f.GetError
	}
	v, ok := f.Values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set stores a copy of the value and records the key.
func (f *Fake) Set(key string, value []byte) error {
	if f.SetError != nil {
		return f.SetError
	}
	v := make([]byte, len(value))
	copy(v, value)
	f.Values[key] = v
	f.SetLog = append(f.SetLog, key)
	return nil
}

// Delete removes the key.
func (f *Fake) Delete(key string) error {
	delete(f.Values, key)
	return nil
}
