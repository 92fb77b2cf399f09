package travel

import (
	"strconv"
	"strings"
	"time"
)

// cacheControl holds the Cache-Control directives that bound how long an
// upstream result may be cached.
type cacheControl struct {
	maxAge  *int
	sMaxAge *int
	noCache bool
	noStore bool
	private bool
}

func parseCacheControl(header string) cacheControl {
	var cc cacheControl
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if hasValue {
			seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
			if err != nil || seconds < 0 {
				continue
			}
			switch key {
			case "max-age":
				cc.maxAge = &seconds
			case "s-maxage":
				cc.sMaxAge = &seconds
			}
			continue
		}
		switch key {
		case "no-cache":
			cc.noCache = true
		case "no-store":
			cc.noStore = true
		case "private":
			cc.private = true
		}
	}
	return cc
}

// cacheLifetime derives a cache lifetime from a Cache-Control header.
// Directives forbidding reuse yield zero; s-maxage wins over max-age. The
// boolean is false when the header sets no lifetime at all.
func cacheLifetime(header string) (time.Duration, bool) {
	cc := parseCacheControl(header)
	switch {
	case cc.noCache || cc.noStore || cc.private:
		return 0, true
	case cc.sMaxAge != nil:
		return time.Duration(*cc.sMaxAge) * time.Second, true
	case cc.maxAge != nil:
		return time.Duration(*cc.maxAge) * time.Second, true
	}
	return 0, false
}
