package reconcile

// idWindow remembers the last n message ids counted for one channel.
type idWindow struct {
	ids   []string
	index map[string]struct{}
	next  int
}

func newIDWindow(n int) *idWindow {
	return &idWindow{
		ids:   make([]string, 0, n),
		index: make(map[string]struct{}, n),
	}
}

func (w *idWindow) contains(id string) bool {
	_, ok := w.index[id]
	return ok
}

func (w *idWindow) add(id string) {
	if w.contains(id) {
		return
	}
	if len(w.ids) < cap(w.ids) {
		w.ids = append(w.ids, id)
	} else {
		delete(w.index, w.ids[w.next])
		w.ids[w.next] = id
		w.next = (w.next + 1) % len(w.ids)
	}
	w.index[id] = struct{}{}
}
