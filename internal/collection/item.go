package collection

import (
	"errors"
	"reflect"
	"strconv"

	"github.com/gitlab-az1/ray/internal/mask"
)

// ErrStop can be returned from a ForEach callback to halt iteration without
// reporting an error.
var ErrStop = errors.New("collection: stop iteration")

type encoding uint8

const (
	encNone encoding = iota
	encStr
	encInt
)

type maskState uint8

const (
	stateMasked maskState = iota
	statePlain
)

// item is one entry of a ScoreOrderedList. Strings and integers start out
// masked in raw; the first consuming read unmasks raw in place, caches the
// decoded value and flips state to statePlain. Comparisons go through peek,
// which never touches raw.
type item[T comparable] struct {
	value T
	raw   []byte
	typ   reflect.Type
	score float64
	enc   encoding
	state maskState
}

// comparableValue reports whether v can be compared with == without
// panicking. It differs from the type constraint when T is an interface or
// holds one, since the dynamic value may be a slice, map or func.
func comparableValue[T comparable](v T) bool {
	rv := reflect.ValueOf(any(v))
	return !rv.IsValid() || rv.Comparable()
}

func newItem[T comparable](value T, score float64) item[T] {
	it := item[T]{score: score, state: statePlain, value: value}

	rv := reflect.ValueOf(any(value))
	if !rv.IsValid() {
		return it
	}

	switch rv.Kind() {
	case reflect.String:
		it.raw = mask.Masked([]byte(rv.String()), mask.StringKey)
		it.enc = encStr
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		it.raw = mask.Masked(strconv.AppendInt(nil, rv.Int(), 10), mask.IntKey)
		it.enc = encInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		it.raw = mask.Masked(strconv.AppendUint(nil, rv.Uint(), 10), mask.IntKey)
		it.enc = encInt
	default:
		return it
	}

	var zero T
	it.value = zero
	it.typ = rv.Type()
	it.state = stateMasked
	return it
}

func (it *item[T]) key() []byte {
	if it.enc == encInt {
		return mask.IntKey
	}
	return mask.StringKey
}

// plain returns the decoded value, unmasking the stored buffer on first use.
func (it *item[T]) plain() T {
	if it.state == statePlain {
		return it.value
	}
	_ = mask.Remove(it.raw, it.key())
	it.value = it.decode(it.raw)
	it.raw = nil
	it.state = statePlain
	return it.value
}

// peek decodes a disposable copy without changing the item.
func (it *item[T]) peek() T {
	if it.state == statePlain {
		return it.value
	}
	return it.decode(mask.Masked(it.raw, it.key()))
}

func (it *item[T]) decode(b []byte) T {
	var v reflect.Value
	switch it.enc {
	case encStr:
		v = reflect.ValueOf(string(b)).Convert(it.typ)
	case encInt:
		switch it.typ.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			n, _ := strconv.ParseUint(string(b), 10, 64)
			v = reflect.ValueOf(n).Convert(it.typ)
		default:
			n, _ := strconv.ParseInt(string(b), 10, 64)
			v = reflect.ValueOf(n).Convert(it.typ)
		}
	default:
		return it.value
	}
	return v.Interface().(T)
}
