// Package ids generates identifiers. Correlation ids are ULIDs; everything
// persisted or published is derived deterministically so replays converge.
package ids

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Namespace seeds every UUIDv5 produced by the indexer.
var Namespace = uuid.MustParse("0f9da948-a6fb-4c45-9edc-4685c3f3317d")

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// EventID packs block coordinates into 12 bytes: height, transaction index
// and event index, each big-endian. Begin and end block events carry negative
// transaction indexes which wrap into the top of the uint32 range.
type EventID [12]byte

// NewEventID builds the identifier for one event in a block.
func NewEventID(height uint32, transactionIndex int32, eventIndex uint32) EventID {
	var id EventID
	binary.BigEndian.PutUint32(id[0:4], height)
	binary.BigEndian.PutUint32(id[4:8], uint32(transactionIndex))
	binary.BigEndian.PutUint32(id[8:12], eventIndex)
	return id
}

// Hex returns the lowercase hex encoding used inside derived UUID seeds.
func (e EventID) Hex() string {
	return hex.EncodeToString(e[:])
}

// Bytes returns a copy of the identifier.
func (e EventID) Bytes() []byte {
	out := make([]byte, len(e))
	copy(out, e[:])
	return out
}

// Derive returns the UUIDv5 of the parts joined with "-".
func Derive(parts ...string) string {
	return uuid.NewSHA1(Namespace, []byte(strings.Join(parts, "-"))).String()
}

// SubaccountUUID identifies a subaccount by owner address and number.
func SubaccountUUID(owner string, number uint32) string {
	return Derive(owner, strconv.FormatUint(uint64(number), 10))
}

// OrderUUID identifies an order by its subaccount and client coordinates.
func OrderUUID(subaccountUUID string, clientID, clobPairID, orderFlags uint32) string {
	return Derive(
		subaccountUUID,
		strconv.FormatUint(uint64(clientID), 10),
		strconv.FormatUint(uint64(clobPairID), 10),
		strconv.FormatUint(uint64(orderFlags), 10),
	)
}

// EventScoped derives a row identifier from the event id plus role-specific
// parts, e.g. the liquidity side of a fill.
func EventScoped(event EventID, parts ...string) string {
	return Derive(append([]string{event.Hex()}, parts...)...)
}
