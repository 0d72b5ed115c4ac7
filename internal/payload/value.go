// Package payload decodes broker payloads into a tagged JSON tree and reads
// loosely-typed fields out of it.
package payload

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fastjson"
)

// Decode parses raw into a JSON tree. Empty or malformed input yields an
// empty object; ok is false in that case.
func Decode(raw []byte) (v *fastjson.Value, ok bool) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return emptyObject(), false
	}
	v, err := fastjson.ParseBytes(raw)
	if err != nil {
		return emptyObject(), false
	}
	return v, true
}

func emptyObject() *fastjson.Value {
	return fastjson.MustParse("{}")
}

func IsObject(v *fastjson.Value) bool {
	return v != nil && v.Type() == fastjson.TypeObject
}

func IsArray(v *fastjson.Value) bool {
	return v != nil && v.Type() == fastjson.TypeArray
}

// Lookup returns the first of keys present on object v with a non-null value.
func Lookup(v *fastjson.Value, keys ...string) *fastjson.Value {
	if !IsObject(v) {
		return nil
	}
	for _, k := range keys {
		if c := v.Get(k); c != nil && c.Type() != fastjson.TypeNull {
			return c
		}
	}
	return nil
}

// Object is Lookup restricted to object values.
func Object(v *fastjson.Value, keys ...string) *fastjson.Value {
	if !IsObject(v) {
		return nil
	}
	for _, k := range keys {
		if c := v.Get(k); IsObject(c) {
			return c
		}
	}
	return nil
}

// Array is Lookup restricted to array values.
func Array(v *fastjson.Value, keys ...string) ([]*fastjson.Value, bool) {
	if !IsObject(v) {
		return nil, false
	}
	for _, k := range keys {
		if c := v.Get(k); IsArray(c) {
			items, _ := c.Array()
			return items, true
		}
	}
	return nil, false
}

func Has(v *fastjson.Value, keys ...string) bool {
	return Lookup(v, keys...) != nil
}

// String reads a string or number as text. Blank strings count as absent.
func String(v *fastjson.Value, keys ...string) (string, bool) {
	return AsString(Lookup(v, keys...))
}

func AsString(c *fastjson.Value) (string, bool) {
	if c == nil {
		return "", false
	}
	switch c.Type() {
	case fastjson.TypeString:
		s := strings.TrimSpace(string(c.GetStringBytes()))
		return s, s != ""
	case fastjson.TypeNumber:
		return c.String(), true
	}
	return "", false
}

// Float reads a number or a numeric string.
func Float(v *fastjson.Value, keys ...string) (float64, bool) {
	return AsFloat(Lookup(v, keys...))
}

func AsFloat(c *fastjson.Value) (float64, bool) {
	if c == nil {
		return 0, false
	}
	switch c.Type() {
	case fastjson.TypeNumber:
		f, err := c.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	case fastjson.TypeString:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(c.GetStringBytes())), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func Int(v *fastjson.Value, keys ...string) (int, bool) {
	f, ok := Float(v, keys...)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// Bool accepts JSON booleans, numbers (non-zero is true) and the strings
// true/false, on/off, yes/no, 1/0.
func Bool(v *fastjson.Value, keys ...string) (bool, bool) {
	c := Lookup(v, keys...)
	if c == nil {
		return false, false
	}
	switch c.Type() {
	case fastjson.TypeTrue:
		return true, true
	case fastjson.TypeFalse:
		return false, true
	case fastjson.TypeNumber:
		f, _ := c.Float64()
		return f != 0, true
	case fastjson.TypeString:
		switch strings.ToLower(strings.TrimSpace(string(c.GetStringBytes()))) {
		case "true", "on", "yes", "1":
			return true, true
		case "false", "off", "no", "0":
			return false, true
		}
	}
	return false, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Time reads an RFC 3339 string or an epoch number. Numbers above 1e12 are
// milliseconds, anything else is seconds.
func Time(v *fastjson.Value, keys ...string) (time.Time, bool) {
	c := Lookup(v, keys...)
	if c == nil {
		return time.Time{}, false
	}
	if c.Type() == fastjson.TypeString {
		s := strings.TrimSpace(string(c.GetStringBytes()))
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	f, ok := AsFloat(c)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	return time.Unix(int64(f), 0).UTC(), true
}

// Keys returns the sorted key set of an object, or nil.
func Keys(v *fastjson.Value) []string {
	if !IsObject(v) {
		return nil
	}
	o, _ := v.Object()
	keys := make([]string, 0, o.Len())
	o.Visit(func(k []byte, _ *fastjson.Value) {
		keys = append(keys, string(k))
	})
	sort.Strings(keys)
	return keys
}
