package ratelimit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrRateLimited matches every *RateLimitedError via errors.Is.
var ErrRateLimited = errors.New("ratelimit: rate limited")

// RateLimitedError is returned when a request is still rate limited after
// the allowed number of attempts.
type RateLimitedError struct {
	Scope  ResourceScope
	Bucket string
	Global bool
	// RetryAfter is how long the limit was still expected to last.
	RetryAfter time.Duration
	Attempts   int
}

func (e *RateLimitedError) Error() string {
	where := "bucket " + strconv.Quote(e.Bucket)
	if e.Global {
		where = "global limit"
	}
	return fmt.Sprintf("ratelimit: %s on %s still limited after %d attempt(s), retry after %s",
		where, e.Scope, e.Attempts, e.RetryAfter)
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// DataError is one field-level validation error. Path locates the field in
// the request payload, for example "$.embed.fields[0].name".
type DataError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"-"`
}

// APIError is a non-success, non-429 response. When the error payload could
// not be decoded, Err holds the decoding error and Code is zero.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	Errors     []DataError
	Err        error
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ratelimit: api error %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	for _, de := range e.Errors {
		fmt.Fprintf(&b, "; %s: %s", de.Path, de.Message)
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

type errorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
}

// parseAPIError decodes an error payload. It always returns an *APIError;
// the second result reports a payload that was only partly understood.
func parseAPIError(status int, body []byte) (*APIError, error) {
	apiErr := &APIError{StatusCode: status}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		apiErr.Message = "unknown API error"
		apiErr.Err = err
		return apiErr, err
	}
	apiErr.Code = eb.Code
	apiErr.Message = eb.Message
	if len(eb.Errors) == 0 || string(eb.Errors) == "null" {
		return apiErr, nil
	}
	des, err := FlattenErrors(eb.Errors)
	apiErr.Errors = des
	return apiErr, err
}

// FlattenErrors turns a nested "errors" object into a flat list. Leaves are
// "_errors" arrays; object keys extend the path with ".key" and numeric keys
// with "[n]". Errors decoded before a malformed section are still returned.
func FlattenErrors(raw []byte) ([]DataError, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var out []DataError
	err := walkErrors(dec, "$", &out)
	return out, err
}

func walkErrors(dec *json.Decoder, path string, out *[]DataError) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("ratelimit: errors at %s: want object, got %v", path, tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		if name == "_errors" {
			var leaf []DataError
			if err := dec.Decode(&leaf); err != nil {
				return fmt.Errorf("ratelimit: errors at %s: %w", path, err)
			}
			for _, de := range leaf {
				de.Path = path
				*out = append(*out, de)
			}
			continue
		}
		seg := "." + name
		if n, err := strconv.Atoi(name); err == nil {
			seg = "[" + strconv.Itoa(n) + "]"
		}
		if err := walkErrors(dec, path+seg, out); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}
