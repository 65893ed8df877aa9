package logger

import (
	"os"
	"strings"
	"testing"

	"github.com/op/go-logging"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    logging.Level
		wantErr bool
	}{
		{"", logging.INFO, false},
		{"debug", logging.DEBUG, false},
		{"WARNING", logging.WARNING, false},
		{"loud", logging.INFO, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitWritesFile(t *testing.T) {
	dir := t.TempDir()
	log, path, err := Init(Options{Dir: dir, Level: logging.DEBUG})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	log.Infof("queue drained: %d entries", 3)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "queue drained: 3 entries") {
		t.Errorf("log file = %q", data)
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) == nil {
		t.Fatal("OrDefault(nil) returned nil")
	}
	d := Discard()
	if OrDefault(d) != d {
		t.Error("OrDefault should keep a non-nil logger")
	}
}
