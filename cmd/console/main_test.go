package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"go.uber.org/zap"
)

func TestParseRegister(t *testing.T) {
	calls, err := parseRegister([]string{"-calls", "5"})
	if err != nil || calls != 5 {
		t.Fatalf("got %d err=%v", calls, err)
	}
	calls, err = parseRegister([]string{"-calls=0"})
	if err != nil || calls != 0 {
		t.Fatalf("zero: got %d err=%v", calls, err)
	}
	for _, args := range [][]string{nil, {"-calls", "-2"}, {"-calls", "x"}, {"-bogus"}} {
		if _, err := parseRegister(args); !errors.Is(err, errUsage) {
			t.Errorf("%v: expected usage error, got %v", args, err)
		}
	}
}

// Usage errors are reported before the console is touched.
func TestRun_UsageErrors(t *testing.T) {
	ctx := context.Background()
	for _, args := range [][]string{
		{"frobnicate"},
		{"chat"},
		{"chat", "  "},
		{"register"},
		{"keys", "create"},
		{"keys", "rename", "a"},
	} {
		err := run(ctx, nil, nil, zap.NewNop(), args, io.Discard)
		if !errors.Is(err, errUsage) {
			t.Errorf("%v: expected usage error, got %v", args, err)
		}
	}
}
