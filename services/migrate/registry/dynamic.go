// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"fmt"
	"reflect"

	"github.com/AleutianAI/livemigrate/services/migrate/internal/reflectx"
)

// dynamicOps drives a custom registry through its own method set.
//
// Supported shapes:
//
//   - Range(func(K, V) bool) with Store(K, V), Set(K, V) or Put(K, V), and
//     optionally Delete(K) for key replacement;
//   - All() []T with Replace(int, T);
//   - zero-argument getters returning a map or slice, when the type has any
//     mutating method. The returned container is rewritten in place.
func (u *Updater) dynamicOps(v reflect.Value, spec Spec) int {
	recv := v
	if v.Kind() != reflect.Pointer {
		if ptr, ok := reflectx.AddrOf(v); ok {
			recv = ptr
		}
	}
	recv, ok := reflectx.Expose(recv)
	if !ok || isNilValue(recv) {
		return 0
	}

	n := 0
	if rng := recv.MethodByName("Range"); isRangeMethod(rng) {
		n += u.rangeAndStore(recv, rng, spec)
	} else if all, replace := recv.MethodByName("All"), recv.MethodByName("Replace"); isAllMethod(all) && isReplaceMethod(replace) {
		n += u.allAndReplace(all, replace, spec)
	}
	if hasMutatingMethod(recv) {
		n += u.collectionGetters(recv, spec)
	}
	return n
}

func (u *Updater) rangeAndStore(recv, rng reflect.Value, spec Spec) int {
	store := firstMethod(recv, 2, "Store", "Set", "Put")
	if !store.IsValid() {
		u.logger.Debug("registry has Range but no Store, Set or Put", "type", recv.Type().String())
		return 0
	}
	del := firstMethod(recv, 1, "Delete", "Remove")

	fnType := rng.Type().In(0)
	var entries [][2]reflect.Value
	cb := reflect.MakeFunc(fnType, func(args []reflect.Value) []reflect.Value {
		entries = append(entries, [2]reflect.Value{args[0], args[1]})
		return []reflect.Value{reflect.ValueOf(true).Convert(fnType.Out(0))}
	})
	rng.Call([]reflect.Value{cb})

	keyType, valType := store.Type().In(0), store.Type().In(1)
	n := 0
	for _, e := range entries {
		k, val := e[0], e[1]
		newKey, keyChanged := k, false
		newVal, valChanged := val, false

		if spec.ReplaceKeys {
			if nk, ok := u.replacementFor(k, keyType); ok {
				if del.IsValid() && del.Type().In(0) == keyType {
					newKey, keyChanged = nk, true
				} else {
					u.logger.Debug("registry has no Delete, key left in place", "type", recv.Type().String())
				}
			}
		}
		if spec.ReplaceValues {
			if nv, ok := u.replacementFor(val, valType); ok {
				newVal, valChanged = nv, true
			}
		}
		if !keyChanged && !valChanged {
			continue
		}

		if err := safeCall(store, newKey, newVal); err != nil {
			u.logger.Warn("registry store failed", "type", recv.Type().String(), "error", err)
			continue
		}
		if keyChanged {
			if err := safeCall(del, k); err != nil {
				u.logger.Warn("registry delete failed", "type", recv.Type().String(), "error", err)
			}
		}
		n++

		oldKey, oldVal, nk := k, val, newKey
		u.patcher.Record(func() {
			if keyChanged {
				_ = safeCall(del, nk)
			}
			_ = safeCall(store, oldKey, oldVal)
		})
	}
	return n
}

func (u *Updater) allAndReplace(all, replace reflect.Value, spec Spec) int {
	if !spec.ReplaceValues {
		return 0
	}
	items := all.Call(nil)[0]
	idxType, elemType := replace.Type().In(0), replace.Type().In(1)
	n := 0
	for i := 0; i < items.Len(); i++ {
		el := items.Index(i)
		nv, ok := u.replacementFor(el, elemType)
		if !ok {
			continue
		}
		idx := reflect.ValueOf(i).Convert(idxType)
		if err := safeCall(replace, idx, nv); err != nil {
			u.logger.Warn("registry replace failed", "index", i, "error", err)
			continue
		}
		n++
		prev := el
		u.patcher.Record(func() { _ = safeCall(replace, idx, prev) })
	}
	return n
}

func (u *Updater) collectionGetters(recv reflect.Value, spec Spec) int {
	n := 0
	t := recv.Type()
	for i := 0; i < t.NumMethod(); i++ {
		name := t.Method(i).Name
		if name == "All" || name == "Range" {
			continue
		}
		m := recv.Method(i)
		mt := m.Type()
		if mt.NumIn() != 0 || mt.NumOut() != 1 {
			continue
		}
		switch mt.Out(0).Kind() {
		case reflect.Map, reflect.Slice:
		default:
			continue
		}
		out, err := safeCallResult(m)
		if err != nil || isNilValue(out) {
			continue
		}
		if out.Kind() == reflect.Map {
			n += u.patcher.RewriteMap(out, spec.mode())
		} else {
			n += u.patcher.RewriteElements(out, spec.mode())
		}
	}
	return n
}

// replacementFor returns the forwarding target of v if it fits t.
func (u *Updater) replacementFor(v reflect.Value, t reflect.Type) (reflect.Value, bool) {
	target, ok := u.patcher.Lookup(v)
	if !ok {
		return reflect.Value{}, false
	}
	tv := reflect.ValueOf(target)
	if !tv.Type().AssignableTo(t) {
		return reflect.Value{}, false
	}
	return tv, true
}

func isRangeMethod(m reflect.Value) bool {
	if !m.IsValid() || m.Type().NumIn() != 1 {
		return false
	}
	fn := m.Type().In(0)
	return fn.Kind() == reflect.Func && fn.NumIn() == 2 && fn.NumOut() == 1 && fn.Out(0).Kind() == reflect.Bool
}

func isAllMethod(m reflect.Value) bool {
	return m.IsValid() && m.Type().NumIn() == 0 && m.Type().NumOut() == 1 && m.Type().Out(0).Kind() == reflect.Slice
}

func isReplaceMethod(m reflect.Value) bool {
	return m.IsValid() && m.Type().NumIn() == 2 && m.Type().In(0).Kind() == reflect.Int
}

func hasMutatingMethod(recv reflect.Value) bool {
	for _, name := range []string{"Store", "Set", "Put", "Replace", "Delete", "Remove"} {
		if recv.MethodByName(name).IsValid() {
			return true
		}
	}
	return false
}

func firstMethod(recv reflect.Value, numIn int, names ...string) reflect.Value {
	for _, name := range names {
		m := recv.MethodByName(name)
		if m.IsValid() && m.Type().NumIn() == numIn {
			return m
		}
	}
	return reflect.Value{}
}

func safeCall(m reflect.Value, args ...reflect.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	out := m.Call(args)
	if len(out) > 0 {
		if e, ok := out[len(out)-1].Interface().(error); ok && e != nil {
			return e
		}
	}
	return nil
}

func safeCallResult(m reflect.Value) (out reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.Call(nil)[0], nil
}
