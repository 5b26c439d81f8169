package ot

import (
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

type OperationType string

const (
	OpInsert OperationType = "insert"
	OpDelete OperationType = "delete"
	OpRetain OperationType = "retain"
)

// Operation is a position-based edit over a flat text buffer. Values are
// immutable; Transform returns a new operation rather than mutating.
type Operation struct {
	Type     OperationType `json:"type"`
	Position int           `json:"position"`
	Content  string        `json:"content,omitempty"`
	Length   int           `json:"length,omitempty"`
}

// NewEditID derives a content-addressed edit identifier.
func NewEditID(userID, resourceID string, timestamp time.Time, nonce string) string {
	seed := fmt.Sprintf("%s|%s|%d|%s", userID, resourceID, timestamp.UnixNano(), nonce)
	hash := sha3.Sum256([]byte(seed))
	return hex.EncodeToString(hash[:])
}

// Transform adjusts op so it applies correctly after against has been
// applied to the same base content. opBefore reports whether op precedes
// against in the total edit order (timestamp, then user, then id); it
// decides equal-position insert ties so every replica shifts the same
// operation. Operation types outside insert/delete pass through unchanged.
func Transform(op, against Operation, opBefore bool) Operation {
	if op.Type != OpInsert && op.Type != OpDelete {
		return op
	}

	switch against.Type {
	case OpInsert:
		shift := len(against.Content)
		if op.Position > against.Position {
			op.Position += shift
		} else if op.Position == against.Position && !opBefore {
			op.Position += shift
		}
	case OpDelete:
		if op.Position > against.Position {
			op.Position -= against.Length
			if op.Position < 0 {
				op.Position = 0
			}
		}
	}

	return op
}
