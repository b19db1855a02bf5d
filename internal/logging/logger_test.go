package logging

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr/funcr"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "empty is default", input: "", want: DEFAULT},
		{name: "info", input: "info", want: DEFAULT},
		{name: "verbose", input: "verbose", want: VERBOSE},
		{name: "debug mixed case", input: " Debug ", want: DEBUG},
		{name: "trace", input: "trace", want: TRACE},
		{name: "unknown", input: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestNew_VerbosityGatesLevels(t *testing.T) {
	t.Parallel()

	logger, err := New(VERBOSE, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !logger.V(VERBOSE).Enabled() {
		t.Error("V(VERBOSE) should be enabled")
	}
	if logger.V(DEBUG).Enabled() {
		t.Error("V(DEBUG) should be disabled at VERBOSE")
	}
}

func TestFatal_LogsThenExits(t *testing.T) {
	t.Parallel()

	var got []string
	logger := funcr.New(func(prefix, args string) {
		got = append(got, args)
	}, funcr.Options{})

	code := -1
	Fatal(logger, func(c int) {
		got = append(got, "exit")
		code = c
	}, 5, errors.New("engine gone"), "engine failed")

	if code != 5 {
		t.Errorf("exit code = %d, want 5", code)
	}
	if len(got) != 2 || !strings.Contains(got[0], "engine gone") || got[1] != "exit" {
		t.Errorf("calls = %q, want the error logged before exit", got)
	}
}
