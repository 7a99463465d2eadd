package sensor

import (
	"math/rand"
	"sync"

	"github.com/envsense/hal/resource"
)

// ValueCallback receives one measurement, encoded as text.
type ValueCallback func(value string)

// Registration pairs a ValueCallback with the token used to remove it later. Function values
// cannot be compared, so the token is the registration's identity.
type Registration struct {
	id uint32
	cb ValueCallback
}

// ID returns the registration token.
func (r Registration) ID() uint32 {
	return r.id
}

// Invoke calls the callback with value.
func (r Registration) Invoke(value string) {
	if r.cb != nil {
		r.cb(value)
	}
}

// CallbackBook is the per-kind callback bookkeeping every driver carries.
type CallbackBook interface {
	// NewRegistration issues a token that collides with no registration active or already
	// issued for kind on this driver.
	NewRegistration(kind resource.Kind, cb ValueCallback) Registration
	// AddValueCallback appends reg to the kind's bucket.
	AddValueCallback(kind resource.Kind, reg Registration)
	// RemoveValueCallback removes reg from the kind's bucket and releases its token. It reports
	// whether reg was in the bucket.
	RemoveValueCallback(kind resource.Kind, reg Registration) bool
	// HasValueCallback returns the bucket position of the registration with token id.
	HasValueCallback(kind resource.Kind, id uint32) (int, bool)
}

// Callbacks implements CallbackBook. Drivers embed it; the zero value is ready to use.
type Callbacks struct {
	mu       sync.Mutex
	idle     *sync.Cond
	buckets  map[resource.Kind][]Registration
	issued   map[resource.Kind]map[uint32]struct{}
	inflight map[slot]int
}

// slot names one registration in one bucket.
type slot struct {
	kind resource.Kind
	id   uint32
}

var _ = CallbackBook(&Callbacks{})

func (c *Callbacks) initLocked() {
	if c.buckets == nil {
		c.idle = sync.NewCond(&c.mu)
		c.buckets = map[resource.Kind][]Registration{}
		c.issued = map[resource.Kind]map[uint32]struct{}{}
		c.inflight = map[slot]int{}
	}
}

// NewRegistration issues a fresh non-zero token for kind.
func (c *Callbacks) NewRegistration(kind resource.Kind, cb ValueCallback) Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initLocked()

	tokens, ok := c.issued[kind]
	if !ok {
		tokens = map[uint32]struct{}{}
		c.issued[kind] = tokens
	}
	for {
		//nolint:gosec
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		if _, taken := tokens[id]; taken {
			continue
		}
		tokens[id] = struct{}{}
		return Registration{id: id, cb: cb}
	}
}

// AddValueCallback appends reg to kind's bucket. Callbacks fire in the order they were added.
func (c *Callbacks) AddValueCallback(kind resource.Kind, reg Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initLocked()

	if _, ok := c.issued[kind]; !ok {
		c.issued[kind] = map[uint32]struct{}{}
	}
	c.issued[kind][reg.id] = struct{}{}
	c.buckets[kind] = append(c.buckets[kind], reg)
}

// RemoveValueCallback removes reg from kind's bucket. Removing an unknown registration only
// releases its token. When reg is being invoked by a Dispatch, RemoveValueCallback waits for that
// invocation to return, so a callback must not remove its own registration.
func (c *Callbacks) RemoveValueCallback(kind resource.Kind, reg Registration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initLocked()

	delete(c.issued[kind], reg.id)
	bucket := c.buckets[kind]
	for i, existing := range bucket {
		if existing.id != reg.id {
			continue
		}
		// Copy so a Dispatch in progress keeps its snapshot.
		next := make([]Registration, 0, len(bucket)-1)
		next = append(next, bucket[:i]...)
		next = append(next, bucket[i+1:]...)
		if len(next) == 0 {
			delete(c.buckets, kind)
		} else {
			c.buckets[kind] = next
		}
		for c.inflight[slot{kind, reg.id}] > 0 {
			c.idle.Wait()
		}
		return true
	}
	return false
}

// HasValueCallback returns the index of the registration with token id in kind's bucket.
func (c *Callbacks) HasValueCallback(kind resource.Kind, id uint32) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.buckets[kind] {
		if existing.id == id {
			return i, true
		}
	}
	return -1, false
}

// CallbackCount returns the number of registrations in kind's bucket.
func (c *Callbacks) CallbackCount(kind resource.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets[kind])
}

// Dispatch invokes every registration in kind's bucket with value, in insertion order. Callbacks
// run without the bookkeeping lock held. A registration removed before its turn is skipped.
func (c *Callbacks) Dispatch(kind resource.Kind, value string) {
	c.mu.Lock()
	c.initLocked()
	bucket := c.buckets[kind]
	c.mu.Unlock()

	for _, reg := range bucket {
		if c.begin(kind, reg.id) {
			c.invoke(kind, reg, value)
		}
	}
}

// begin marks the registration as in flight if it is still in the bucket.
func (c *Callbacks) begin(kind resource.Kind, id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.buckets[kind] {
		if existing.id == id {
			c.inflight[slot{kind, id}]++
			return true
		}
	}
	return false
}

func (c *Callbacks) invoke(kind resource.Kind, reg Registration, value string) {
	defer func() {
		c.mu.Lock()
		key := slot{kind, reg.id}
		if c.inflight[key]--; c.inflight[key] == 0 {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
		c.idle.Broadcast()
	}()
	reg.Invoke(value)
}
