// Package hlc implements the hybrid logical clock used to stamp every cell
// mutation, and the fixed-width string codec that makes those stamps sortable
// with ordinary string comparison.
package hlc

import (
	"fmt"

	"github.com/example/cellsync/internal/types"
)

const (
	// Alphabet is ordered so that byte comparison matches numeric comparison.
	Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz|~"

	// Length of every encoded Hlc.
	Length = timeChars + counterChars + HashChars

	timeChars    = 7
	counterChars = 4
	// HashChars is the width of the node hash suffix.
	HashChars = 5

	timeBits    = 42
	counterBits = 24
	hashBits    = 30

	// MaxLogicalTime is the largest millisecond value the time field can carry.
	MaxLogicalTime = 1<<timeBits - 1
	// MaxCounter is the largest counter value within one millisecond.
	MaxCounter = 1<<counterBits - 1
	// MaxNodeHash is the largest replica hash value.
	MaxNodeHash = 1<<hashBits - 1
)

var decodeTable = func() [256]int8 {
	var table [256]int8
	for i := range table {
		table[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		table[Alphabet[i]] = int8(i)
	}
	return table
}()

// FormatError reports a malformed Hlc or digest.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed hlc %q: %s", e.Input, e.Reason)
}

// Encode packs the three clock fields into a 16 character Hlc. Fields wider
// than their slot are truncated to it; Clock never produces such values.
func Encode(logicalTime uint64, counter uint32, nodeHash uint32) types.Hlc {
	var buf [Length]byte
	putChunk(buf[0:timeChars], logicalTime&MaxLogicalTime)
	putChunk(buf[timeChars:timeChars+counterChars], uint64(counter)&MaxCounter)
	putChunk(buf[timeChars+counterChars:], uint64(nodeHash)&MaxNodeHash)
	return types.Hlc(buf[:])
}

// Decode unpacks an Hlc produced by Encode.
func Decode(s types.Hlc) (logicalTime uint64, counter uint32, nodeHash uint32, err error) {
	if len(s) != Length {
		return 0, 0, 0, &FormatError{Input: string(s), Reason: fmt.Sprintf("expected %d characters, got %d", Length, len(s))}
	}
	for i := 0; i < len(s); i++ {
		if decodeTable[s[i]] < 0 {
			return 0, 0, 0, &FormatError{Input: string(s), Reason: fmt.Sprintf("invalid symbol %q at %d", s[i], i)}
		}
	}
	logicalTime = readChunk(string(s[0:timeChars]))
	counter = uint32(readChunk(string(s[timeChars : timeChars+counterChars])))
	nodeHash = uint32(readChunk(string(s[timeChars+counterChars:])))
	return logicalTime, counter, nodeHash, nil
}

// Valid reports whether s decodes.
func Valid(s types.Hlc) bool {
	_, _, _, err := Decode(s)
	return err == nil
}

// IsSymbol reports whether b belongs to the Hlc alphabet.
func IsSymbol(b byte) bool {
	return decodeTable[b] >= 0
}

// NodeHash folds an arbitrary replica identifier into the 30-bit hash field.
func NodeHash(replicaID string) uint32 {
	return djb2(replicaID) & MaxNodeHash
}

func djb2(s string) uint32 {
	hash := uint32(5381)
	for i := len(s) - 1; i >= 0; i-- {
		hash = hash*33 ^ uint32(s[i])
	}
	return hash
}

func putChunk(dst []byte, v uint64) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = Alphabet[v&63]
		v >>= 6
	}
}

func readChunk(s string) uint64 {
	var v uint64
	for i := 0; i < len(s); i++ {
		v = v<<6 | uint64(decodeTable[s[i]])
	}
	return v
}
