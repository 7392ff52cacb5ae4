// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

// StreamSID identifies a telephony media stream. It is assigned by the
// telephony side in the start event and names the call everywhere else.
type StreamSID string

// ConnID identifies one accepted media connection, before and after a
// stream is bound to it.
type ConnID string

type TurnID string

func NewConnID() ConnID {
	return ConnID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}
