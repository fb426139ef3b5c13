package ratelimit

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Request describes one API call.
//
// Route is a path template with positional placeholders, for example
// "/channels/{0}/messages/{1}". Rate-limit buckets are learned per
// (Method, Route), never per formatted path, so every channel shares what
// was learned about the route.
type Request struct {
	Method string
	Route  string
	Params []any
	Header http.Header
	// Body is resent verbatim on internal retries.
	Body  []byte
	Scope ResourceScope
}

// NewRequest is a shorthand for a body-less Request.
func NewRequest(method, route string, scope ResourceScope, params ...any) *Request {
	return &Request{Method: method, Route: route, Params: params, Scope: scope}
}

// Path formats Route with the path-escaped Params. Placeholders without a
// matching parameter are left untouched.
func (r *Request) Path() string {
	if len(r.Params) == 0 {
		return r.Route
	}
	var b strings.Builder
	b.Grow(len(r.Route) + 16*len(r.Params))
	s := r.Route
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			break
		}
		end := strings.IndexByte(s[open:], '}')
		if end < 0 {
			break
		}
		end += open
		n, err := strconv.Atoi(s[open+1 : end])
		if err != nil || n < 0 || n >= len(r.Params) {
			b.WriteString(s[:end+1])
			s = s[end+1:]
			continue
		}
		b.WriteString(s[:open])
		b.WriteString(url.PathEscape(fmt.Sprint(r.Params[n])))
		s = s[end+1:]
	}
	b.WriteString(s)
	return b.String()
}

type endpoint struct {
	method string
	route  string
}

func (r *Request) endpoint() endpoint { return endpoint{method: r.Method, route: r.Route} }
