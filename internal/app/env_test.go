package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("COURIER_TEST_STR", "  value  ")
	if got := EnvString("COURIER_TEST_STR", "def"); got != "value" {
		t.Fatalf("EnvString()=%q want=%q", got, "value")
	}
	if got := EnvString("COURIER_TEST_STR_MISSING", "def"); got != "def" {
		t.Fatalf("EnvString() default=%q want=%q", got, "def")
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("COURIER_TEST_BOOL", "true")
	if !EnvBool("COURIER_TEST_BOOL", false) {
		t.Fatalf("EnvBool() = false, want true")
	}
	t.Setenv("COURIER_TEST_BOOL", "nope")
	if EnvBool("COURIER_TEST_BOOL", false) {
		t.Fatalf("EnvBool() garbage should fall back to default")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("COURIER_TEST_INT", "42")
	if got := EnvInt("COURIER_TEST_INT", 7); got != 42 {
		t.Fatalf("EnvInt()=%d want=42", got)
	}
	t.Setenv("COURIER_TEST_INT", "-3")
	if got := EnvInt("COURIER_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt() negative=%d want default 7", got)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("COURIER_TEST_DUR", "150ms")
	if got := EnvDuration("COURIER_TEST_DUR", time.Second); got != 150*time.Millisecond {
		t.Fatalf("EnvDuration()=%v want=150ms", got)
	}
	t.Setenv("COURIER_TEST_DUR", "banana")
	if got := EnvDuration("COURIER_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration() garbage=%v want default 1s", got)
	}
}
