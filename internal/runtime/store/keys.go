package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Params carries the optional call parameters folded into a composed key.
type Params map[string]any

// paramsSeparator sits between the logical key and the params hash. Logical
// keys double any occurrence, so a plain key can never end in a lone
// separator followed by a hash.
const paramsSeparator = "\x00"

// ComposeKey builds the storage key for a namespace/key pair. Parameters are
// hashed over a canonical encoding so map iteration order never changes the
// resulting key.
func ComposeKey(namespace, key string, params Params) string {
	base := namespace + ":" + escapeKey(key)
	if len(params) == 0 {
		return base
	}
	return base + paramsSeparator + HashParams(params)
}

// DisplayKey renders a composed key in namespace:key:hash form.
func DisplayKey(composed string) string {
	i := strings.LastIndex(composed, paramsSeparator)
	if i < 0 {
		return composed
	}
	run := 1
	for j := i - 1; j >= 0 && composed[j] == paramsSeparator[0]; j-- {
		run++
	}
	if run%2 == 0 {
		return unescapeKey(composed)
	}
	return unescapeKey(composed[:i]) + ":" + composed[i+1:]
}

func escapeKey(key string) string {
	if !strings.Contains(key, paramsSeparator) {
		return key
	}
	return strings.ReplaceAll(key, paramsSeparator, paramsSeparator+paramsSeparator)
}

func unescapeKey(key string) string {
	if !strings.Contains(key, paramsSeparator) {
		return key
	}
	return strings.ReplaceAll(key, paramsSeparator+paramsSeparator, paramsSeparator)
}

// HashParams returns the hex encoded xxhash64 of the canonical parameter form.
func HashParams(params Params) string {
	var b strings.Builder
	writeCanonical(&b, map[string]any(params))
	return strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}

func writeCanonical(b *strings.Builder, value any) {
	switch v := value.(type) {
	case nil:
		b.WriteString("null")
	case Params:
		writeCanonical(b, map[string]any(v))
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeCanonical(b, v[k])
		}
		b.WriteByte('}')
	case map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			b.WriteString(strconv.Quote(v[k]))
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case string:
		b.WriteString(strconv.Quote(v))
	default:
		// encoding/json sorts map keys, which keeps nested typed maps stable.
		encoded, err := json.Marshal(v)
		if err != nil {
			fmt.Fprintf(b, "%#v", v)
			return
		}
		b.Write(encoded)
	}
}
