package protocol

import (
	"net/textproto"
	"sort"
	"strings"
)

// Header is a multi-valued header mapping. Keys are stored in canonical form
// so lookups through the methods are case-insensitive.
type Header map[string][]string

// CanonicalKey returns the canonical form of a header name
func CanonicalKey(key string) string {
	return textproto.CanonicalMIMEHeaderKey(key)
}

// Get returns the first value for key, or ""
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if vv := h[CanonicalKey(key)]; len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// Values returns all values for key
func (h Header) Values(key string) []string {
	if h == nil {
		return nil
	}
	return h[CanonicalKey(key)]
}

// Has reports whether key is present
func (h Header) Has(key string) bool {
	if h == nil {
		return false
	}
	_, ok := h[CanonicalKey(key)]
	return ok
}

func (h Header) Set(key, value string) {
	h[CanonicalKey(key)] = []string{value}
}

func (h Header) Add(key, value string) {
	k := CanonicalKey(key)
	h[k] = append(h[k], value)
}

// AddIfAbsent sets key to value unless key is already present
func (h Header) AddIfAbsent(key, value string) {
	if !h.Has(key) {
		h.Set(key, value)
	}
}

func (h Header) Del(key string) {
	delete(h, CanonicalKey(key))
}

// ContainsToken reports whether any value of key equals token, ignoring case
func (h Header) ContainsToken(key, token string) bool {
	for _, v := range h.Values(key) {
		if strings.EqualFold(strings.TrimSpace(v), token) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of h
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, vv := range h {
		out[k] = append([]string(nil), vv...)
	}
	return out
}

// sortedKeys returns the keys of h in lexical order
func (h Header) sortedKeys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
