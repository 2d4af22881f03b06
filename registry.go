package uringio

// registry maps descriptors to the channels that own them. Descriptors are
// small dense integers, so entries live in a slice indexed by fd. Every
// registration of a new channel bumps the generation so completions queued
// for a torn-down channel are never routed to a successor reusing the fd.
type registry struct {
	slots   []slot
	nextGen uint64
	live    int
}

type slot struct {
	ch  *Channel
	gen uint64
}

func newRegistry(capacity int) *registry {
	return &registry{slots: make([]slot, capacity), nextGen: 1}
}

// register is idempotent for the channel already holding the slot.
func (r *registry) register(ch *Channel) uint64 {
	fd := ch.fd
	if fd >= len(r.slots) {
		n := len(r.slots) * 2
		if n <= fd {
			n = fd + 1
		}
		slots := make([]slot, n)
		copy(slots, r.slots)
		r.slots = slots
	}
	s := &r.slots[fd]
	if s.ch == ch {
		return s.gen
	}
	if s.ch == nil {
		r.live++
	}
	s.ch, s.gen = ch, r.nextGen
	r.nextGen++
	ch.gen = s.gen
	return s.gen
}

// lookup returns the channel for fd if its generation matches; gen 0 matches any.
func (r *registry) lookup(fd int, gen uint64) *Channel {
	if fd < 0 || fd >= len(r.slots) {
		return nil
	}
	s := r.slots[fd]
	if s.ch == nil || (gen != 0 && s.gen != gen) {
		return nil
	}
	return s.ch
}

// deregister clears the slot only if ch still owns it.
func (r *registry) deregister(ch *Channel) bool {
	fd := ch.fd
	if fd < 0 || fd >= len(r.slots) || r.slots[fd].ch != ch {
		return false
	}
	r.slots[fd] = slot{}
	r.live--
	return true
}

func (r *registry) len() int { return r.live }
