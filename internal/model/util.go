package model

import (
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
)

func CreateID() string {
	uuid, _ := uuid.NewRandom()
	return base58.Encode(uuid[:])
}

// NewTentativeID returns a locally generated id for a message that has not
// been confirmed by the store yet.
func NewTentativeID() MessageID {
	return MessageID("tmp_" + CreateID())
}

// Now is the clock used for message timestamps. All timestamps are UTC with
// microsecond precision so they survive a round trip through the store.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
