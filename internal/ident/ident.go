// Package ident assigns stable runtime identities: 64-bit type keys used for
// message routing and sync-group keying, and process-wide monotonic ids for
// reactions and tasks.
package ident

import (
	"hash/fnv"
	"reflect"
	"sync"
	"sync/atomic"
)

// TypeID is a stable 64-bit identifier for a Go type. The same type always
// resolves to the same id within and across processes (FNV-1a of the
// fully-qualified type name), which is what lets peers route network packets
// by hash alone.
type TypeID uint64

// Nil is the zero TypeID; it never identifies a real type.
const Nil TypeID = 0

var typeCache sync.Map // reflect.Type -> TypeID

// Of resolves the TypeID for a reflect.Type.
func Of(t reflect.Type) TypeID {
	if v, ok := typeCache.Load(t); ok {
		return v.(TypeID)
	}

	h := fnv.New64a()
	// PkgPath disambiguates same-named types across packages.
	h.Write([]byte(t.PkgPath()))
	h.Write([]byte("."))
	h.Write([]byte(t.String()))

	id := TypeID(h.Sum64())
	typeCache.Store(t, id)
	return id
}

// For resolves the TypeID for a compile-time known type.
func For[T any]() TypeID {
	return Of(reflect.TypeFor[T]())
}

// TypeName renders a compile-time known type for identifiers and logs.
func TypeName[T any]() string {
	return reflect.TypeFor[T]().String()
}

var (
	reactionSeq atomic.Uint64
	taskSeq     atomic.Uint64
)

// NextReactionID returns the next process-wide reaction id, starting at 1.
func NextReactionID() uint64 { return reactionSeq.Add(1) }

// NextTaskID returns the next process-wide task id, starting at 1.
func NextTaskID() uint64 { return taskSeq.Add(1) }
