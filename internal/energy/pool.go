package energy

const (
	DefaultCapacity = 2000
	DefaultPerTick  = 10
)

// Pool is a bounded energy store owned by a computer.
type Pool struct {
	capacity int64
	stored   int64
}

func NewPool(capacity, initial int64) *Pool {
	p := &Pool{capacity: capacity}
	p.Load(initial)

	return p
}

func (p *Pool) Capacity() int64 {
	return p.capacity
}

func (p *Pool) Stored() int64 {
	return p.stored
}

// Insert adds up to amount and returns what was accepted.
func (p *Pool) Insert(amount int64) int64 {
	if amount <= 0 {
		return 0
	}

	accepted := min(amount, p.capacity-p.stored)
	p.stored += accepted

	return accepted
}

// Withdraw takes amount out of the pool only if all of it is available.
func (p *Pool) Withdraw(amount int64) bool {
	if amount <= 0 {
		return true
	}

	if p.stored < amount {
		return false
	}

	p.stored -= amount

	return true
}

// Save returns the stored amount for persistence.
func (p *Pool) Save() int64 {
	return p.stored
}

// Load restores the stored amount, clamped to the pool's capacity.
func (p *Pool) Load(stored int64) {
	p.stored = max(0, min(stored, p.capacity))
}
