package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MerkleTree is a binary hash tree over a list of leaf hashes. A level with
// an odd number of nodes pairs its last node with itself. Leaf and interior
// hashes are domain-separated as in RFC 6962, so an interior node can never
// be presented as a leaf.
type MerkleTree struct {
	levels [][][]byte // levels[0] are the leaves, the last level is the root
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"` // Sibling is the left operand
}

// NewMerkleTree builds a tree over leaves (raw hash bytes).
func NewMerkleTree(leaves [][]byte) *MerkleTree {
	t := &MerkleTree{}
	if len(leaves) == 0 {
		return t
	}

	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = hashLeaf(leaf)
	}
	t.levels = append(t.levels, level)

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// NewMerkleTreeHex builds a tree over hex-encoded leaf hashes.
func NewMerkleTreeHex(leaves []string) (*MerkleTree, error) {
	raw := make([][]byte, len(leaves))
	for i, h := range leaves {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		raw[i] = b
	}
	return NewMerkleTree(raw), nil
}

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

func hashLeaf(leaf []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(leaf)
	return h.Sum(nil)
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Len returns the number of leaves.
func (t *MerkleTree) Len() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels[0])
}

// Root returns the root hash, or nil for an empty tree.
func (t *MerkleTree) Root() []byte {
	if len(t.levels) == 0 {
		return nil
	}
	return t.levels[len(t.levels)-1][0]
}

// RootHex returns the hex root, or ZeroHash for an empty tree.
func (t *MerkleTree) RootHex() string {
	root := t.Root()
	if root == nil {
		return ZeroHash
	}
	return hex.EncodeToString(root)
}

// Proof returns the inclusion proof for leaf i.
func (t *MerkleTree) Proof(i int) ([]ProofStep, error) {
	if i < 0 || i >= t.Len() {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", i, t.Len())
	}

	var proof []ProofStep
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := i ^ 1
		if sibling >= len(level) {
			sibling = i
		}
		proof = append(proof, ProofStep{
			Hash: hex.EncodeToString(level[sibling]),
			Left: sibling < i,
		})
		i /= 2
	}
	return proof, nil
}

// VerifyProof checks that leaf is included under root.
func VerifyProof(leaf []byte, proof []ProofStep, root []byte) bool {
	cur := hashLeaf(leaf)
	for _, step := range proof {
		sib, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false
		}
		if step.Left {
			cur = hashPair(sib, cur)
		} else {
			cur = hashPair(cur, sib)
		}
	}
	return bytes.Equal(cur, root)
}
