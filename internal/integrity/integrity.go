// Package integrity provides tamper-evident hashing and Merkle tree
// construction over the request log. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/taiwa-eval/taiwa/internal/model"
)

// Hash version prefix, kept so the encoding can be rotated without
// invalidating stored digests.
const hashV1Prefix = "v1:"

// ComputeRecordHash produces a versioned SHA-256 hex digest from the
// canonical fields of a logged turn. Each field is encoded with a 4-byte
// big-endian length prefix, so freeform text cannot collide with field
// boundaries. Nil optional fields hash differently from empty ones.
func ComputeRecordHash(rec model.RequestRecord) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by HTTP request body limits (~1MB)
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeOptional := func(s *string) {
		if s == nil {
			h.Write([]byte{0x00})
			return
		}
		h.Write([]byte{0x01})
		writeField(*s)
	}

	writeField(rec.RunID)
	writeField(rec.TeamID)
	writeField(rec.SessionID)
	writeField(rec.TopicID)
	writeField(rec.UserID)
	writeField(string(rec.Mode))
	writeField(rec.Timestamp.UTC().Format(time.RFC3339Nano))
	writeField(rec.UserUtterance)
	writeOptional(rec.Response)
	writeOptional(rec.Subtopic)
	if rec.Rating == nil {
		h.Write([]byte{0x00})
	} else {
		h.Write([]byte{0x01})
		writeField(strconv.Itoa(*rec.Rating))
	}

	return hashV1Prefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyRecordHash checks whether a stored hash matches the recomputed
// hash of the record.
func VerifyRecordHash(stored string, rec model.RequestRecord) bool {
	return stored == ComputeRecordHash(rec)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes
// (per RFC 6962), so internal node hashes can never collide with leaf
// content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns
// the root. Leaves must be sorted lexicographically by the caller for
// determinism. If leaves is empty, returns an empty string. If leaves
// has one element, the root is that element. Odd-length levels hash the
// last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
