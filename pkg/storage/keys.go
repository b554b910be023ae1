package storage

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema. Integers are 8-byte big-endian so prefix scans return them in
// numeric order.
//
//	o:<id>              → Order
//	or:<round>:<id>     → empty, round index
//	ow:<owner>:<id>     → empty, owner index
//	r:<round>           → ClearingResult
//	b:<owner>           → escrow.Balance
//	rr:<round>          → RoundRecord
//	cp                  → Checkpoint
const (
	prefixOrder       = "o:"
	prefixOrderRound  = "or:"
	prefixOrderOwner  = "ow:"
	prefixResult      = "r:"
	prefixBalance     = "b:"
	prefixRoundRecord = "rr:"
	keyCheckpoint     = "cp"
)

func be64(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func orderKey(id uint64) []byte { return join([]byte(prefixOrder), be64(id)) }

func orderRoundPrefix(roundID uint64) []byte {
	return join([]byte(prefixOrderRound), be64(roundID))
}

func orderRoundKey(roundID, id uint64) []byte {
	return join(orderRoundPrefix(roundID), be64(id))
}

func orderOwnerPrefix(owner common.Address) []byte {
	return join([]byte(prefixOrderOwner), owner.Bytes())
}

func orderOwnerKey(owner common.Address, id uint64) []byte {
	return join(orderOwnerPrefix(owner), be64(id))
}

func resultKey(roundID uint64) []byte { return join([]byte(prefixResult), be64(roundID)) }

func balanceKey(owner common.Address) []byte {
	return join([]byte(prefixBalance), owner.Bytes())
}

func roundRecordKey(roundID uint64) []byte {
	return join([]byte(prefixRoundRecord), be64(roundID))
}

// idSuffix reads the trailing 8-byte id of an index key.
func idSuffix(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}
