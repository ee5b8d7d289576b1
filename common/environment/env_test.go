package environment_test

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/chatdigest/common/environment"
)

func TestReader_Defaults(t *testing.T) {
	r := environment.FromMap(map[string]string{"EMPTY": "  "})
	if got := r.String("MISSING", "def"); got != "def" {
		t.Errorf("String = %q", got)
	}
	if got := r.String("EMPTY", "def"); got != "def" {
		t.Errorf("blank value should yield default, got %q", got)
	}
	if !r.Bool("MISSING", true) || r.Int("MISSING", 7) != 7 || r.Duration("MISSING", time.Second) != time.Second {
		t.Error("typed defaults not returned")
	}
	if r.Set("MISSING") || r.Set("EMPTY") {
		t.Error("Set should be false for unset and blank variables")
	}
	if err := r.Err(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReader_Values(t *testing.T) {
	r := environment.FromMap(map[string]string{
		"S":    " hello ",
		"B":    "false",
		"I":    "42",
		"D":    "90s",
		"L":    " a, b ,,c ",
		"SEPS": ",,",
	})
	if got := r.String("S", ""); got != "hello" {
		t.Errorf("String = %q", got)
	}
	if r.Bool("B", true) {
		t.Error("Bool = true")
	}
	if got := r.Int("I", 0); got != 42 {
		t.Errorf("Int = %d", got)
	}
	if got := r.Duration("D", 0); got != 90*time.Second {
		t.Errorf("Duration = %v", got)
	}
	if got := r.List("L", nil); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("List = %q", got)
	}
	if got := r.List("SEPS", []string{"x"}); !reflect.DeepEqual(got, []string{"x"}) {
		t.Errorf("List of separators = %q", got)
	}
	if err := r.Err(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReader_ParseErrors(t *testing.T) {
	r := environment.FromMap(map[string]string{
		"TICK_INTERVAL":      "30",
		"DIGEST_CONCURRENCY": "four",
		"KEYWORD_REPLY":      "maybe",
	})
	if got := r.Duration("TICK_INTERVAL", time.Minute); got != time.Minute {
		t.Errorf("bad duration should yield default, got %v", got)
	}
	r.Int("DIGEST_CONCURRENCY", 4)
	r.Bool("KEYWORD_REPLY", false)

	err := r.Err()
	if err == nil {
		t.Fatal("expected parse errors")
	}
	for _, name := range []string{"TICK_INTERVAL", "DIGEST_CONCURRENCY", "KEYWORD_REPLY"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error does not mention %s: %v", name, err)
		}
	}
}
