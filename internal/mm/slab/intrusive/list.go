// Package intrusive implements a circular doubly linked list in the
// list_head style: the link fields live inside the containing struct
// instead of a separately allocated node, so walking or reordering the
// list never calls into the allocator it is meant to support.
package intrusive

import "unsafe"

// Node is the embeddable link pair. A type wanting to live on a List
// embeds Node as its first field, so Entry can recover the containing
// pointer with a plain unsafe.Pointer cast in place of C's offsetof-based
// container_of.
type Node struct {
	next, prev *Node
}

// Entry recovers the T that embeds n as its first field.
func Entry[T any](n *Node) *T {
	if n == nil {
		return nil
	}
	return (*T)(unsafe.Pointer(n))
}

// NodeOf returns the embedded Node of v, assuming Node is v's first field.
func NodeOf[T any](v *T) *Node {
	return (*Node)(unsafe.Pointer(v))
}

// List is a circular list head. The zero value is not ready to use; call
// Init first.
type List struct {
	root Node
}

// Init makes l an empty list, safe to call again on a list already in use
// to clear it.
func (l *List) Init() *List {
	l.root.next = &l.root
	l.root.prev = &l.root
	return l
}

// Empty reports whether l has no entries.
func (l *List) Empty() bool {
	return l.root.next == &l.root
}

func insert(n, at *Node) {
	n.prev = at
	n.next = at.next
	at.next.prev = n
	at.next = n
}

// PushFront adds n as the new first entry.
func (l *List) PushFront(n *Node) {
	insert(n, &l.root)
}

// PushBack adds n as the new last entry.
func (l *List) PushBack(n *Node) {
	insert(n, l.root.prev)
}

// Remove unlinks n from whatever list it is on. n's own pointers are
// cleared so a stale Remove on an already-removed node is harmless.
func Remove(n *Node) {
	if n.prev == nil && n.next == nil {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next = nil
	n.prev = nil
}

// Front returns the first entry, or nil if l is empty.
func (l *List) Front() *Node {
	if l.Empty() {
		return nil
	}
	return l.root.next
}

// Back returns the last entry, or nil if l is empty.
func (l *List) Back() *Node {
	if l.Empty() {
		return nil
	}
	return l.root.prev
}
