// Package environment reads typed configuration values from environment
// variables.
//
// A Reader keeps the first parse error per variable instead of silently
// falling back to the default, so a typo such as TICK_INTERVAL=30 (no unit)
// is reported at startup. Unset and empty variables yield the default.
package environment

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(name string) (string, bool)

// Reader reads variables through a LookupFunc and accumulates parse errors.
// It is not safe for concurrent use.
type Reader struct {
	lookup LookupFunc
	errs   []error
}

// New returns a Reader over the process environment.
func New() *Reader {
	return &Reader{lookup: os.LookupEnv}
}

// FromMap returns a Reader over a fixed set of variables, for tests.
func FromMap(vars map[string]string) *Reader {
	return &Reader{lookup: func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}}
}

func (r *Reader) get(name string) (string, bool) {
	v, ok := r.lookup(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *Reader) fail(name, value, want string) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q: expected %s", name, value, want))
}

// Set reports whether the variable is set to a non-empty value.
func (r *Reader) Set(name string) bool {
	_, ok := r.get(name)
	return ok
}

// String returns the variable or def.
func (r *Reader) String(name, def string) string {
	if v, ok := r.get(name); ok {
		return v
	}
	return def
}

// Bool parses the variable with strconv.ParseBool.
func (r *Reader) Bool(name string, def bool) bool {
	v, ok := r.get(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(name, v, "a boolean")
		return def
	}
	return b
}

// Int parses the variable as a decimal integer.
func (r *Reader) Int(name string, def int) int {
	v, ok := r.get(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(name, v, "an integer")
		return def
	}
	return n
}

// Duration parses the variable with time.ParseDuration ("30s", "2m").
func (r *Reader) Duration(name string, def time.Duration) time.Duration {
	v, ok := r.get(name)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(name, v, "a duration such as 30s or 2m")
		return def
	}
	return d
}

// List splits the variable on commas, trimming blanks. A variable holding
// only separators yields def.
func (r *Reader) List(name string, def []string) []string {
	v, ok := r.get(name)
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// Err returns every parse error seen so far, joined, or nil.
func (r *Reader) Err() error {
	return errors.Join(r.errs...)
}
