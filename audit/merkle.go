package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// InclusionProof lets a verifier recompute the tree root from one leaf.
type InclusionProof struct {
	LeafIndex uint64   `json:"leaf_index"`
	Siblings  []string `json:"siblings"`
	Root      string   `json:"root"`
}

// merkleRoot computes the root over the leaf hashes. Odd nodes are promoted
// unchanged, matching the proof generation below.
func merkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := make([][]byte, 0, len(leaves))
	for _, leaf := range leaves {
		raw, err := hex.DecodeString(leaf)
		if err != nil {
			raw = []byte(leaf)
		}
		level = append(level, raw)
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			sum := sha256.Sum256(append(append([]byte(nil), level[i]...), level[i+1]...))
			next = append(next, sum[:])
		}
		level = next
	}
	return hex.EncodeToString(level[0])
}

// merkleProof builds the sibling path for the leaf at index.
func merkleProof(leaves []string, index uint64) InclusionProof {
	proof := InclusionProof{LeafIndex: index, Root: merkleRoot(leaves)}
	if int(index) >= len(leaves) {
		return proof
	}
	level := make([][]byte, 0, len(leaves))
	for _, leaf := range leaves {
		raw, err := hex.DecodeString(leaf)
		if err != nil {
			raw = []byte(leaf)
		}
		level = append(level, raw)
	}
	pos := index
	for len(level) > 1 {
		sibling := pos ^ 1
		if int(sibling) < len(level) {
			proof.Siblings = append(proof.Siblings, hex.EncodeToString(level[sibling]))
		} else {
			// Odd node promoted without a sibling at this level.
			proof.Siblings = append(proof.Siblings, "")
		}
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			sum := sha256.Sum256(append(append([]byte(nil), level[i]...), level[i+1]...))
			next = append(next, sum[:])
		}
		level = next
		pos /= 2
	}
	return proof
}

// VerifyInclusion recomputes the root from a leaf hash and its proof.
func VerifyInclusion(leafHash string, proof InclusionProof) bool {
	raw, err := hex.DecodeString(leafHash)
	if err != nil {
		raw = []byte(leafHash)
	}
	pos := proof.LeafIndex
	current := raw
	for _, sibling := range proof.Siblings {
		if sibling == "" {
			pos /= 2
			continue
		}
		sib, err := hex.DecodeString(sibling)
		if err != nil {
			return false
		}
		if pos%2 == 0 {
			sum := sha256.Sum256(append(append([]byte(nil), current...), sib...))
			current = sum[:]
		} else {
			sum := sha256.Sum256(append(append([]byte(nil), sib...), current...))
			current = sum[:]
		}
		pos /= 2
	}
	return hex.EncodeToString(current) == proof.Root
}
