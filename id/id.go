// Package id defines the typed 32-byte identifiers that name every object
// in the store: one kind byte followed by a 31-byte body.
package id

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Kind is the object kind tag carried in the first byte of an ID.
type Kind byte

const (
	Null Kind = iota
	Bool
	Number
	String
	Bytes
	Leaf
	Branch
	Directory
	File
	Symlink
	Template
	Placeholder
	Package
	Target
	Process
	Run
	Array
	Map
)

var kindNames = map[Kind]string{
	Null:        "null",
	Bool:        "bool",
	Number:      "number",
	String:      "string",
	Bytes:       "bytes",
	Leaf:        "leaf",
	Branch:      "branch",
	Directory:   "directory",
	File:        "file",
	Symlink:     "symlink",
	Template:    "template",
	Placeholder: "placeholder",
	Package:     "package",
	Target:      "target",
	Process:     "process",
	Run:         "run",
	Array:       "array",
	Map:         "map",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("invalid(%d)", byte(k))
}

// Valid reports whether k is a known kind tag.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Size is the length of an ID in bytes.
const Size = 32

// BodySize is the length of the body following the kind byte.
const BodySize = Size - 1

// ID identifies an object. For content-addressed kinds the body is the
// blake2b digest of the object's canonical serialization truncated to 31
// bytes. For runs the body is random.
type ID [Size]byte

// New computes the content address of data under kind.
func New(kind Kind, data []byte) ID {
	sum := blake2b.Sum256(data)
	var i ID
	i[0] = byte(kind)
	copy(i[1:], sum[:BodySize])
	return i
}

// NewRandom creates an ID with a random body. Used for run roots, which
// are named before their contents exist.
func NewRandom(kind Kind) ID {
	var i ID
	i[0] = byte(kind)
	if _, err := rand.Read(i[1:]); err != nil {
		panic(err)
	}
	return i
}

func (i ID) Kind() Kind { return Kind(i[0]) }

func (i ID) IsZero() bool { return i == ID{} }

// String renders the ID as 64 lowercase hex digits.
func (i ID) String() string {
	return hex.EncodeToString(i[:])
}

// Parse decodes a 64-hex-digit string produced by String.
func Parse(s string) (ID, error) {
	var i ID
	if len(s) != Size*2 {
		return i, fmt.Errorf("invalid id length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return i, fmt.Errorf("invalid id %q: %w", s, err)
	}
	copy(i[:], b)
	if !i.Kind().Valid() {
		return i, fmt.Errorf("invalid id kind byte %d", i[0])
	}
	return i, nil
}

// FromBytes decodes a raw 32-byte ID.
func FromBytes(b []byte) (ID, error) {
	var i ID
	if len(b) != Size {
		return i, fmt.Errorf("invalid id length %d", len(b))
	}
	copy(i[:], b)
	if !i.Kind().Valid() {
		return i, fmt.Errorf("invalid id kind byte %d", i[0])
	}
	return i, nil
}

// Compare orders IDs bytewise.
func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
