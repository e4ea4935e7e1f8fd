package merkle

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStorer keeps nodes in process memory.
type MemoryStorer struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	children map[string]int
}

// NewMemoryStorer creates an empty MemoryStorer.
func NewMemoryStorer() *MemoryStorer {
	return &MemoryStorer{
		nodes:    make(map[string]*Node),
		children: make(map[string]int),
	}
}

func (m *MemoryStorer) Put(_ context.Context, node *Node) (bool, error) {
	if node == nil {
		return false, errors.New("cannot store nil node")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[node.Hash]; ok {
		return false, nil
	}
	m.nodes[node.Hash] = node
	if node.ParentHash != nil {
		m.children[*node.ParentHash]++
	}
	return true, nil
}

func (m *MemoryStorer) Get(_ context.Context, hash string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.nodes[hash]
	if !ok {
		return nil, ErrNotFound{Hash: hash}
	}
	return node, nil
}

func (m *MemoryStorer) Has(_ context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[hash]
	return ok, nil
}

func (m *MemoryStorer) List(_ context.Context) ([]*Node, error) {
	return m.filter(func(*Node) bool { return true }), nil
}

func (m *MemoryStorer) Roots(_ context.Context) ([]*Node, error) {
	return m.filter(func(n *Node) bool { return n.ParentHash == nil }), nil
}

func (m *MemoryStorer) Leaves(_ context.Context) ([]*Node, error) {
	return m.filter(func(n *Node) bool { return m.children[n.Hash] == 0 }), nil
}

func (m *MemoryStorer) Ancestry(ctx context.Context, hash string) ([]*Node, error) {
	return ancestry(ctx, hash, m.Get)
}

func (m *MemoryStorer) Close() error {
	return nil
}

// filter returns matching nodes sorted by hash for stable output.
func (m *MemoryStorer) filter(keep func(*Node) bool) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if keep(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}
