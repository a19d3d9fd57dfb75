package message

import (
	"sort"
	"strings"
)

// OptionID is a CoAP option number.
type OptionID uint16

// Option numbers (RFC 7252 Section 5.10, RFC 7641 Section 2).
const (
	OptionIfMatch       OptionID = 1
	OptionURIHost       OptionID = 3
	OptionETag          OptionID = 4
	OptionIfNoneMatch   OptionID = 5
	OptionObserve       OptionID = 6
	OptionURIPort       OptionID = 7
	OptionLocationPath  OptionID = 8
	OptionURIPath       OptionID = 11
	OptionContentFormat OptionID = 12
	OptionMaxAge        OptionID = 14
	OptionURIQuery      OptionID = 15
)

// Option is a single option instance. Repeatable options appear once per value.
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is the option list of a message. Order between different option
// numbers is irrelevant; order between instances of the same number is kept.
type Options []Option

// Add appends an option instance.
func (o *Options) Add(id OptionID, value []byte) {
	*o = append(*o, Option{ID: id, Value: value})
}

// Set replaces all instances of id with a single value.
func (o *Options) Set(id OptionID, value []byte) {
	o.Remove(id)
	o.Add(id, value)
}

// Remove deletes all instances of id.
func (o *Options) Remove(id OptionID) {
	kept := (*o)[:0]
	for _, opt := range *o {
		if opt.ID != id {
			kept = append(kept, opt)
		}
	}
	*o = kept
}

// Get returns the first value for id.
func (o Options) Get(id OptionID) ([]byte, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// Has reports whether at least one instance of id is present.
func (o Options) Has(id OptionID) bool {
	_, ok := o.Get(id)
	return ok
}

// GetUint returns the first value for id decoded as an unsigned integer.
func (o Options) GetUint(id OptionID) (uint32, bool) {
	v, ok := o.Get(id)
	if !ok {
		return 0, false
	}
	return decodeUint(v), true
}

// SetUint replaces id with the minimal big-endian encoding of v.
func (o *Options) SetUint(id OptionID, v uint32) {
	o.Set(id, encodeUint(v))
}

// Observe returns the Observe option value, if present.
func (o Options) Observe() (uint32, bool) {
	return o.GetUint(OptionObserve)
}

// SetObserve sets the Observe option. Only the low 24 bits are significant.
func (o *Options) SetObserve(seq uint32) {
	o.SetUint(OptionObserve, seq&0xFFFFFF)
}

// Path returns the Uri-Path segments joined with "/".
func (o Options) Path() string {
	var segs []string
	for _, opt := range o {
		if opt.ID == OptionURIPath {
			segs = append(segs, string(opt.Value))
		}
	}
	return strings.Join(segs, "/")
}

// SetPath replaces the Uri-Path options with the segments of p.
func (o *Options) SetPath(p string) {
	o.Remove(OptionURIPath)
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg != "" {
			o.Add(OptionURIPath, []byte(seg))
		}
	}
}

// sorted returns a copy ordered by option number, stable for repeats.
func (o Options) sorted() Options {
	out := make(Options, len(o))
	copy(out, o)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v <= 0xFF:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}
	case v <= 0xFFFFFF:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}
