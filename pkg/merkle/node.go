// Package merkle stores chat transcripts as a content-addressed Merkle DAG.
// Each message is a node linked to the message before it, so identical
// conversation prefixes share nodes and regenerated answers branch.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Bucket is the hashable content of a transcript node.
type Bucket struct {
	Type    string `json:"type"` // "message"
	Role    string `json:"role"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`

	// Status and Error record how an assistant message's stream ended.
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Node is a single content-addressed node in the DAG.
type Node struct {
	// Hash is the SHA-256 of the bucket and parent hash, hex-encoded
	Hash string `json:"hash"`

	// ParentHash is nil for root nodes
	ParentHash *string `json:"parent_hash"`

	Bucket Bucket `json:"bucket"`
}

// NewNode creates a node for bucket under parent (nil for a root).
func NewNode(bucket Bucket, parent *Node) *Node {
	n := &Node{Bucket: bucket}
	if parent != nil {
		h := parent.Hash
		n.ParentHash = &h
	}
	n.Hash = n.computeHash()
	return n
}

type hashInput struct {
	Bucket Bucket `json:"bucket"`
	Parent string `json:"parent,omitempty"`
}

func (n *Node) computeHash() string {
	in := hashInput{Bucket: n.Bucket}
	if n.ParentHash != nil {
		in.Parent = *n.ParentHash
	}

	// Struct field order makes the encoding canonical.
	data, err := json.Marshal(in)
	if err != nil {
		panic("merkle: marshal hash input: " + err.Error())
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
