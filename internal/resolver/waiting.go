package resolver

// waitingRegistry holds the resolve requests that arrived for a name while
// a backend lookup for that name is in flight. An entry exists for a name
// if and only if exactly one lookup for it is outstanding.
type waitingRegistry struct {
	byName map[string][]Request
}

func newWaitingRegistry() *waitingRegistry {
	return &waitingRegistry{byName: make(map[string][]Request)}
}

// add appends req to the waiting list for name and reports whether this
// was the first request, i.e. whether the caller must start a lookup.
func (w *waitingRegistry) add(name string, req Request) bool {
	list, exists := w.byName[name]
	w.byName[name] = append(list, req)
	return !exists
}

// drain removes and returns the waiting list for name.
func (w *waitingRegistry) drain(name string) []Request {
	list := w.byName[name]
	delete(w.byName, name)
	return list
}

func (w *waitingRegistry) len() int {
	return len(w.byName)
}
