package logging

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameters whose values never reach the log.
var sensitiveParams = []string{"token", "password"}

func redactQuery(uri string) string {
	path, rawQuery, ok := strings.Cut(uri, "?")
	if !ok {
		return uri
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return path + "?REDACTED"
	}
	changed := false
	for _, key := range sensitiveParams {
		if _, present := q[key]; present {
			q.Set(key, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return uri
	}
	return path + "?" + q.Encode()
}
