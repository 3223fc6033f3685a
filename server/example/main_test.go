package main

import (
	"net"
	"path/filepath"
	"strconv"
	"testing"
)

func TestRunExitCodes(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	busy := strconv.Itoa(l.Addr().(*net.TCPAddr).Port)

	root := t.TempDir()
	noEnv := filepath.Join(t.TempDir(), "missing.env")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"help", []string{"-h"}, 0},
		{"bad port", []string{"-env-file", noEnv, "-port", "http"}, 2},
		{"missing root", []string{"-env-file", noEnv, "-root", filepath.Join(root, "nope")}, 2},
		{"port in use", []string{"-env-file", noEnv, "-host", "127.0.0.1", "-port", busy, "-root", root}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%q) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}
