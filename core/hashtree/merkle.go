package hashtree

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Algorithm identifies the frozen combination rule. Builder and rebuilder both
// use MerkleRoot, so the two never disagree on encoding.
//
//	leaf   = SHA256(path || 0x0A || lowercase-hex(SHA256(content)))
//	parent = SHA256(left || right)      over raw 32-byte digests
//	odd    = the last node of a level is paired with itself
//	root   = lowercase-hex(top)
const Algorithm = "merkle-v1"

// LeafHash returns the raw leaf digest for one (path, content digest) pair.
func LeafHash(path, contentSHA256 string) [sha256.Size]byte {
	buf := make([]byte, 0, len(path)+1+len(contentSHA256))
	buf = append(buf, path...)
	buf = append(buf, '\n')
	buf = append(buf, contentSHA256...)
	return sha256.Sum256(buf)
}

// MerkleRoot combines entries, which must already be sorted by path.
func MerkleRoot(entries []FileEntry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("no files to hash")
	}
	level := make([][sha256.Size]byte, len(entries))
	for i, entry := range entries {
		if i > 0 && entries[i-1].Path >= entry.Path {
			return "", fmt.Errorf("entries not strictly sorted at %q", entry.Path)
		}
		level[i] = LeafHash(entry.Path, entry.SHA256)
	}
	for len(level) > 1 {
		next := make([][sha256.Size]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			var pair [2 * sha256.Size]byte
			copy(pair[:sha256.Size], left[:])
			copy(pair[sha256.Size:], right[:])
			next = append(next, sha256.Sum256(pair[:]))
		}
		level = next
	}
	return hex.EncodeToString(level[0][:]), nil
}

// IsDigest reports whether s is a lowercase hex SHA-256 digest.
func IsDigest(s string) bool {
	if len(s) != 2*sha256.Size {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
