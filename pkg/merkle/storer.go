package merkle

import "context"

// Storer persists and traverses transcript nodes. Put is idempotent:
// identical content under an identical parent hashes to the same node.
type Storer interface {
	// Put stores a node and reports whether it was new.
	Put(ctx context.Context, node *Node) (bool, error)

	// Get retrieves a node by hash. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, hash string) (*Node, error)

	Has(ctx context.Context, hash string) (bool, error)

	// List returns all nodes.
	List(ctx context.Context) ([]*Node, error)

	// Roots returns nodes without a parent.
	Roots(ctx context.Context) ([]*Node, error)

	// Leaves returns nodes without children.
	Leaves(ctx context.Context) ([]*Node, error)

	// Ancestry returns the path from a node back to its root (node first, root last).
	Ancestry(ctx context.Context, hash string) ([]*Node, error)

	Close() error
}

// ErrNotFound is returned when a node doesn't exist in the store.
type ErrNotFound struct {
	Hash string
}

func (e ErrNotFound) Error() string {
	if e.Hash == "" {
		return "node not found"
	}
	return "node not found: " + e.Hash
}

// ancestry walks parent links from hash using get.
func ancestry(ctx context.Context, hash string, get func(context.Context, string) (*Node, error)) ([]*Node, error) {
	var path []*Node
	for {
		node, err := get(ctx, hash)
		if err != nil {
			return nil, err
		}
		path = append(path, node)
		if node.ParentHash == nil {
			return path, nil
		}
		hash = *node.ParentHash
	}
}
