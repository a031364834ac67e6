package settings

import (
	"cmp"
	"slices"
	"sync"
)

// Wildcard subscribes to every change.
const Wildcard = "*"

// Listener is called after a committed change. For a listener registered on
// a path, newValue and oldValue are the values at that path and path is the
// registered path. Wildcard listeners are called once per changed leaf with
// that leaf's values and path.
type Listener func(newValue, oldValue any, path string)

type subscription struct {
	id   uint64
	path string
	fn   Listener
}

type trieNode struct {
	children map[string]*trieNode
	subs     []*subscription
}

// listenerTrie stores listeners keyed on path segments, plus a wildcard
// bucket.
type listenerTrie struct {
	mu       sync.Mutex
	nextID   uint64
	root     trieNode
	wildcard []*subscription
}

func (t *listenerTrie) add(path string, fn Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	sub := &subscription{id: t.nextID, path: path, fn: fn}

	if path == Wildcard {
		t.wildcard = append(t.wildcard, sub)
		return func() { t.remove(sub) }
	}

	node := &t.root
	for _, seg := range splitPath(path) {
		if node.children == nil {
			node.children = make(map[string]*trieNode)
		}
		next, ok := node.children[seg]
		if !ok {
			next = &trieNode{}
			node.children[seg] = next
		}
		node = next
	}
	node.subs = append(node.subs, sub)

	return func() { t.remove(sub) }
}

func (t *listenerTrie) remove(sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	drop := func(list []*subscription) []*subscription {
		out := list[:0]
		for _, s := range list {
			if s.id != sub.id {
				out = append(out, s)
			}
		}
		return out
	}

	if sub.path == Wildcard {
		t.wildcard = drop(t.wildcard)
		return
	}

	node := &t.root
	for _, seg := range splitPath(sub.path) {
		next, ok := node.children[seg]
		if !ok {
			return
		}
		node = next
	}
	node.subs = drop(node.subs)
}

type notification struct {
	fn       Listener
	newValue any
	oldValue any
	path     string
}

// collect returns the calls owed for one mutation, in registration order.
// A path listener fires once when any changed leaf lies under its path.
func (t *listenerTrie) collect(changed []string, oldTree, newTree map[string]any) []notification {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[uint64]bool)
	var matched []*subscription

	for _, p := range changed {
		node := &t.root
		for _, s := range node.subs {
			if !seen[s.id] {
				seen[s.id] = true
				matched = append(matched, s)
			}
		}

		for _, seg := range splitPath(p) {
			next, ok := node.children[seg]
			if !ok {
				break
			}
			node = next
			for _, s := range node.subs {
				if !seen[s.id] {
					seen[s.id] = true
					matched = append(matched, s)
				}
			}
		}
	}

	slices.SortFunc(matched, func(a, b *subscription) int { return cmp.Compare(a.id, b.id) })

	out := make([]notification, 0, len(matched)+len(changed)*len(t.wildcard))
	for _, s := range matched {
		nv, _ := lookup(newTree, s.path)
		ov, _ := lookup(oldTree, s.path)
		out = append(out, notification{fn: s.fn, newValue: cloneValue(nv), oldValue: cloneValue(ov), path: s.path})
	}

	for _, s := range t.wildcard {
		for _, p := range changed {
			nv, _ := lookup(newTree, p)
			ov, _ := lookup(oldTree, p)
			out = append(out, notification{fn: s.fn, newValue: cloneValue(nv), oldValue: cloneValue(ov), path: p})
		}
	}

	return out
}
