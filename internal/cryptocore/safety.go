package cryptocore

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"strconv"
	"strings"
)

const (
	safetyNumberIterations = 5200
	safetyNumberVersion    = 0
	fingerprintChunks      = 6
)

// GenerateSafetyNumber returns twelve groups of five digits describing both
// identity keys. The pair is sorted first, so both parties display the same
// number.
func GenerateSafetyNumber(ourIdentityKey, theirIdentityKey []byte) string {
	first, second := ourIdentityKey, theirIdentityKey
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}
	groups := make([]string, 0, 2*fingerprintChunks)
	groups = append(groups, fingerprintGroups(first)...)
	groups = append(groups, fingerprintGroups(second)...)
	return strings.Join(groups, " ")
}

func fingerprintGroups(key []byte) []string {
	digest := iteratedHash(key)
	out := make([]string, fingerprintChunks)
	for i := range out {
		chunk := digest[i*5 : i*5+5]
		v := uint64(chunk[0])<<32 | uint64(chunk[1])<<24 | uint64(chunk[2])<<16 | uint64(chunk[3])<<8 | uint64(chunk[4])
		s := strconv.FormatUint(v%100000, 10)
		out[i] = strings.Repeat("0", 5-len(s)) + s
	}
	return out
}

func iteratedHash(key []byte) []byte {
	h := sha512.New()
	var version [2]byte
	binary.BigEndian.PutUint16(version[:], safetyNumberVersion)
	h.Write(version[:])
	h.Write(key)
	digest := h.Sum(nil)
	for i := 1; i < safetyNumberIterations; i++ {
		h.Reset()
		h.Write(digest)
		h.Write(key)
		digest = h.Sum(digest[:0])
	}
	return digest
}
