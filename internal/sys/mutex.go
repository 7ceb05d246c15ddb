package sys

// MutexOwner is a queued requester of a Mutex. Granted runs as a task
// once ownership passes to it.
type MutexOwner struct {
	Granted func()
}

// Mutex serializes logical requesters of a resource that cannot serve two
// at once. It never blocks: Lock either grants immediately or queues.
type Mutex struct {
	env   *Env
	owner *MutexOwner
	queue []*MutexOwner
}

// NewMutex creates an unlocked mutex.
func NewMutex(env *Env) *Mutex {
	return &Mutex{env: env}
}

// Lock returns true if o now owns the mutex. Otherwise o is queued and its
// Granted callback runs when ownership is handed over.
func (m *Mutex) Lock(o *MutexOwner) bool {
	if m.owner == nil {
		m.owner = o
		return true
	}
	if m.owner == o {
		return true
	}
	for _, q := range m.queue {
		if q == o {
			return false
		}
	}
	m.queue = append(m.queue, o)
	return false
}

// Unlock releases o's ownership (or removes o from the queue) and hands
// the mutex to the next queued owner.
func (m *Mutex) Unlock(o *MutexOwner) {
	if m.owner != o {
		for i, q := range m.queue {
			if q == o {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				return
			}
		}
		return
	}
	m.owner = nil
	if len(m.queue) == 0 {
		return
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	m.owner = next
	if next.Granted == nil {
		m.env.Fatal.Raise(FatalNilCallback, "mutex owner without Granted callback")
		return
	}
	m.env.Tasks.Post(next.Granted)
}

// Owner returns the current owner, or nil.
func (m *Mutex) Owner() *MutexOwner {
	return m.owner
}
