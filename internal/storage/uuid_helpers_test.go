package storage

import "testing"

func TestNameToEntityIDTruncatesAndPads(t *testing.T) {
	id := NameToEntityID("alice")
	want := [16]byte{}
	copy(want[:], "alice")
	if EntityID(want) != id {
		t.Fatalf("got %v, want %v", id, want)
	}
}

func TestNameToEntityIDNormalizesEquivalentForms(t *testing.T) {
	// "é" as a precomposed code point vs. "e" + combining acute accent
	// must collapse to the same 16-byte key once NFC-normalized.
	precomposed := NameToEntityID("café")
	decomposed := NameToEntityID("café")
	if precomposed != decomposed {
		t.Fatalf("NFC forms diverged: %v != %v", precomposed, decomposed)
	}
}

func TestNameToAttributeIDLongNameTruncates(t *testing.T) {
	long := "this-name-is-definitely-longer-than-sixteen-bytes"
	id := NameToAttributeID(long)
	want := [16]byte{}
	copy(want[:], long)
	if AttributeID(want) != id {
		t.Fatalf("got %v, want %v", id, want)
	}
}
