package storage

import (
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// ParseUUID parses a UUID string into uuid.UUID.
func ParseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// UUIDToBytes returns the 16-byte representation of a uuid.UUID.
func UUIDToBytes(u uuid.UUID) []byte {
	return u[:]
}

// NameToEntityID derives an EntityID from a human-readable name per the
// name-encoding rule: NFC-normalize first, so visually identical names
// composed of different Unicode sequences collapse to the same key, then
// copy the UTF-8 bytes into the first 16 bytes (truncated, zero-padded).
func NameToEntityID(name string) EntityID {
	return EntityID(nameToID16(name))
}

// NameToAttributeID is NameToEntityID's counterpart for attribute names.
func NameToAttributeID(name string) AttributeID {
	return AttributeID(nameToID16(name))
}

func nameToID16(name string) [16]byte {
	normalized := norm.NFC.String(name)
	var id [16]byte
	copy(id[:], normalized)
	return id
}
