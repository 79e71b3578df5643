// Package trie implements a hierarchical publish/subscribe dispatcher
// keyed by segmented identifiers with wildcard support.
//
// Listeners register against a segment path; emitting a path fires every
// listener along the matched path, most specific node first, trying the
// exact child and the wildcard child at every level. The flow engine and
// the permission index each own a separate Dispatcher instance.
package trie

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/guildgraph/guildgraph/internal/token"
)

// Listener is a callback invoked with the payload of an emitted path.
type Listener[T any] func(path token.Token, payload T)

type node[T any] struct {
	children  map[token.Segment]*node[T]
	listeners map[string]Listener[T]
	once      map[string]Listener[T]
}

func newNode[T any]() *node[T] {
	return &node[T]{children: make(map[token.Segment]*node[T])}
}

func (n *node[T]) empty() bool {
	return len(n.children) == 0 && len(n.listeners) == 0 && len(n.once) == 0
}

// Dispatcher routes payloads to listeners registered on segment paths.
// All methods are safe for concurrent use.
type Dispatcher[T any] struct {
	root   *node[T]
	byID   map[string]*node[T]
	mu     sync.Mutex
	nextID int64
}

// New creates an empty Dispatcher.
func New[T any]() *Dispatcher[T] {
	return &Dispatcher[T]{
		root: newNode[T](),
		byID: make(map[string]*node[T]),
	}
}

func (d *Dispatcher[T]) register(path token.Token, fn Listener[T], oneShot bool) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.root
	for _, seg := range path {
		child, ok := n.children[seg]
		if !ok {
			child = newNode[T]()
			n.children[seg] = child
		}
		n = child
	}

	d.nextID++
	id := fmt.Sprintf("lst_%d", d.nextID)
	if oneShot {
		if n.once == nil {
			n.once = make(map[string]Listener[T])
		}
		n.once[id] = fn
	} else {
		if n.listeners == nil {
			n.listeners = make(map[string]Listener[T])
		}
		n.listeners[id] = fn
	}
	d.byID[id] = n
	slog.Debug("trie listener registered", "id", id, "path", path.String(), "once", oneShot)
	return id
}

// On registers a persistent listener on path and returns its id.
func (d *Dispatcher[T]) On(path token.Token, fn Listener[T]) string {
	return d.register(path, fn, false)
}

// Once registers a listener that is removed before its first invocation
// completes, and returns its id.
func (d *Dispatcher[T]) Once(path token.Token, fn Listener[T]) string {
	return d.register(path, fn, true)
}

// Off removes one listener by the id returned at registration time.
// It reports whether a listener was removed.
func (d *Dispatcher[T]) Off(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.byID[id]
	if !ok {
		return false
	}
	delete(n.listeners, id)
	delete(n.once, id)
	delete(d.byID, id)
	slog.Debug("trie listener removed", "id", id)
	return true
}

// RemoveAll removes every listener registered under path, including
// descendants, and returns the number removed.
func (d *Dispatcher[T]) RemoveAll(path token.Token) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.root
	for _, seg := range path {
		child, ok := n.children[seg]
		if !ok {
			return 0
		}
		n = child
	}
	removed := d.clearSubtree(n)
	slog.Debug("trie listeners removed under path", "path", path.String(), "removed", removed)
	return removed
}

func (d *Dispatcher[T]) clearSubtree(n *node[T]) int {
	removed := len(n.listeners) + len(n.once)
	for id := range n.listeners {
		delete(d.byID, id)
	}
	for id := range n.once {
		delete(d.byID, id)
	}
	n.listeners = nil
	n.once = nil
	for _, child := range n.children {
		removed += d.clearSubtree(child)
	}
	n.children = make(map[token.Segment]*node[T])
	return removed
}

// Paths enumerates the serialized form of every distinct path that
// currently has at least one listener.
func (d *Dispatcher[T]) Paths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []string
	d.walkPaths(d.root, nil, &out)
	return out
}

func (d *Dispatcher[T]) walkPaths(n *node[T], prefix token.Token, out *[]string) {
	if len(n.listeners) > 0 || len(n.once) > 0 {
		*out = append(*out, prefix.String())
	}
	for seg, child := range n.children {
		d.walkPaths(child, append(prefix[:len(prefix):len(prefix)], seg), out)
	}
}

// HasListeners reports whether any listener is registered on the exact path.
func (d *Dispatcher[T]) HasListeners(path token.Token) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.root
	for _, seg := range path {
		child, ok := n.children[seg]
		if !ok {
			return false
		}
		n = child
	}
	return len(n.listeners) > 0 || len(n.once) > 0
}

// Emit delivers payload to every listener whose registration path is a
// prefix-or-wildcard match of path, most specific node first. Exact-key
// children are tried before wildcard children at every level. One-shot
// listeners are cleared before any callback runs. Emit returns the number
// of listeners fired.
func (d *Dispatcher[T]) Emit(path token.Token, payload T) int {
	d.mu.Lock()
	var batch []Listener[T]
	d.collect(d.root, path, &batch)
	d.mu.Unlock()

	// Callbacks run outside the lock so listeners may re-register or emit.
	for _, fn := range batch {
		fn(path, payload)
	}
	slog.Debug("trie emit completed", "path", path.String(), "fired", len(batch))
	return len(batch)
}

// collect gathers listeners deepest-first so the most specific node fires
// before its ancestors, removing once-listeners as it goes.
func (d *Dispatcher[T]) collect(n *node[T], remaining token.Token, out *[]Listener[T]) {
	if len(remaining) > 0 {
		seg := remaining[0]
		if child, ok := n.children[seg]; ok {
			d.collect(child, remaining[1:], out)
		}
		if !seg.IsWildcard() {
			if child, ok := n.children[token.Wildcard()]; ok {
				d.collect(child, remaining[1:], out)
			}
		}
	}
	for id, fn := range n.once {
		*out = append(*out, fn)
		delete(n.once, id)
		delete(d.byID, id)
	}
	for _, fn := range n.listeners {
		*out = append(*out, fn)
	}
}
