package protocol

import (
	"net/url"
	"regexp"
	"strings"
)

// MaxResponseParams bounds how many pairs ParseURLFragment accepts.
const MaxResponseParams = 50

var pairPattern = regexp.MustCompile(`([^&=]+)=([^&]*)`)

// AddQueryParam appends name=value to rawURL, starting the query with '?'
// if there is none and joining with '&' otherwise.
func AddQueryParam(rawURL, name, value string) string {
	if !strings.Contains(rawURL, "?") {
		rawURL += "?"
	}
	if !strings.HasSuffix(rawURL, "?") {
		rawURL += "&"
	}
	return rawURL + escapeComponent(name) + "=" + escapeComponent(value)
}

// ParseURLFragment parses the part of value after the last delimiter into a
// flat name/value mapping. With delimiter "?" any trailing fragment is
// ignored. Inputs with more than MaxResponseParams pairs yield a map holding
// only an "error" entry.
func ParseURLFragment(value, delimiter string) map[string]string {
	if delimiter == "" {
		delimiter = "#"
	}
	if idx := strings.LastIndex(value, delimiter); idx >= 0 {
		value = value[idx+len(delimiter):]
	}
	if delimiter == "?" {
		if idx := strings.Index(value, "#"); idx >= 0 {
			value = value[:idx]
		}
	}

	params := make(map[string]string)
	for i, m := range pairPattern.FindAllStringSubmatch(value, -1) {
		if i >= MaxResponseParams {
			return map[string]string{"error": "Response exceeded expected number of parameters"}
		}
		params[unescapeComponent(m[1])] = unescapeComponent(strings.ReplaceAll(m[2], "+", " "))
	}
	return params
}

func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func unescapeComponent(s string) string {
	out, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return out
}
