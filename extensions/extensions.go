// Package extensions provides a type-keyed property bag that carries
// out-of-band values (session identity, tracing context) alongside a request
// or response without widening every function signature.
//
// A bag holds at most one value per type. It lives only in memory and is
// never written to the wire.
//
//	ext := new(extensions.Extensions)
//	extensions.Insert(ext, message.SessionID{...})
//	id, ok := extensions.Get[message.SessionID](ext)
package extensions

import (
	"maps"
	"reflect"
)

// Extensions is a type-keyed map. The zero value is empty and ready to use.
// A nil *Extensions reads as empty: Get, GetMut, Remove, Len, IsEmpty, Clear
// and Clone accept it. Operations that store a value panic on nil. It is not
// safe for concurrent mutation.
type Extensions struct {
	m map[reflect.Type]any // values are *T for key T
}

func New() *Extensions { return &Extensions{} }

func keyOf[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

func (e *Extensions) lookup(key reflect.Type) (any, bool) {
	if e == nil || e.m == nil {
		return nil, false
	}
	v, ok := e.m[key]
	return v, ok
}

func (e *Extensions) store(key reflect.Type, v any) {
	if e.m == nil {
		e.m = make(map[reflect.Type]any)
	}
	e.m[key] = v
}

// Insert stores v and returns the value of the same type it replaced, if any.
// e must not be nil.
func Insert[T any](e *Extensions, v T) (T, bool) {
	key := keyOf[T]()
	prev, ok := e.lookup(key)
	e.store(key, &v)
	if !ok {
		var zero T
		return zero, false
	}
	return *prev.(*T), true
}

// Get returns a copy of the stored value of type T.
func Get[T any](e *Extensions) (T, bool) {
	if p, ok := GetMut[T](e); ok {
		return *p, true
	}
	var zero T
	return zero, false
}

// GetMut returns a pointer to the stored value of type T, allowing in-place updates.
func GetMut[T any](e *Extensions) (*T, bool) {
	v, ok := e.lookup(keyOf[T]())
	if !ok {
		return nil, false
	}
	return v.(*T), true
}

// GetOrInsert returns the stored T, inserting v first if none is present.
// e must not be nil.
func GetOrInsert[T any](e *Extensions, v T) *T {
	return GetOrInsertWith(e, func() T { return v })
}

// GetOrInsertWith is GetOrInsert with a lazily computed value; f only runs on a miss.
// e must not be nil.
func GetOrInsertWith[T any](e *Extensions, f func() T) *T {
	if p, ok := GetMut[T](e); ok {
		return p
	}
	v := f()
	e.store(keyOf[T](), &v)
	return &v
}

// GetOrInsertDefault inserts the zero value of T on a miss. e must not be nil.
func GetOrInsertDefault[T any](e *Extensions) *T {
	return GetOrInsertWith(e, func() T {
		var zero T
		return zero
	})
}

// Remove deletes and returns the stored T. It undoes Insert.
func Remove[T any](e *Extensions) (T, bool) {
	key := keyOf[T]()
	v, ok := e.lookup(key)
	if !ok {
		var zero T
		return zero, false
	}
	delete(e.m, key)
	return *v.(*T), true
}

// Clear removes every value.
func (e *Extensions) Clear() {
	if e != nil {
		clear(e.m)
	}
}

func (e *Extensions) Len() int {
	if e == nil {
		return 0
	}
	return len(e.m)
}

func (e *Extensions) IsEmpty() bool { return e.Len() == 0 }

// Extend copies every value of other into e. On a type collision the value
// from other wins. other may be nil; e must not be nil unless other is empty.
func (e *Extensions) Extend(other *Extensions) {
	if other.IsEmpty() {
		return
	}
	if e.m == nil {
		e.m = make(map[reflect.Type]any, len(other.m))
	}
	for k, v := range other.m {
		e.m[k] = cloneBox(v)
	}
}

// Clone returns a shallow copy: each value is copied, but pointers and
// reference types inside the values are shared.
func (e *Extensions) Clone() *Extensions {
	out := &Extensions{}
	if e.IsEmpty() {
		return out
	}
	out.m = maps.Clone(e.m)
	for k, v := range out.m {
		out.m[k] = cloneBox(v)
	}
	return out
}

// cloneBox copies the value behind a *T box into a fresh box, so mutations
// through GetMut on one bag do not leak into another.
func cloneBox(box any) any {
	src := reflect.ValueOf(box)
	dst := reflect.New(src.Elem().Type())
	dst.Elem().Set(src.Elem())
	return dst.Interface()
}
