package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/assessly/fieldsync/internal/offline/platform"
	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/offline/upload"
)

func TestParseCutoff(t *testing.T) {
	now := time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC) // a Wednesday

	got, err := parseCutoff("168h", now)
	if err != nil {
		t.Fatalf("parseCutoff(168h) failed: %v", err)
	}
	if want := now.Add(-7 * 24 * time.Hour); !got.Equal(want) {
		t.Errorf("parseCutoff(168h) = %v, want %v", got, want)
	}

	got, err = parseCutoff("last monday", now)
	if err != nil {
		t.Fatalf("parseCutoff(last monday) failed: %v", err)
	}
	if got.Weekday() != time.Monday || !got.Before(now) || now.Sub(got) > 8*24*time.Hour {
		t.Errorf("parseCutoff(last monday) = %v", got)
	}

	for _, bad := range []string{"-5h", "0s", "whenever", "next friday"} {
		if _, err := parseCutoff(bad, now); err == nil {
			t.Errorf("parseCutoff(%q) should fail", bad)
		}
	}
}

func TestReadPayload(t *testing.T) {
	p, err := readPayload("", nil)
	if err != nil || p != nil {
		t.Errorf("empty payload = %q, %v", p, err)
	}

	p, err = readPayload(`{"score": 4}`, nil)
	if err != nil {
		t.Fatalf("readPayload failed: %v", err)
	}
	if string(p) != `{"score": 4}` {
		t.Errorf("payload = %s", p)
	}

	p, err = readPayload("-", strings.NewReader("  {\"a\":1}\n"))
	if err != nil {
		t.Fatalf("readPayload(stdin) failed: %v", err)
	}
	if string(p) != `{"a":1}` {
		t.Errorf("stdin payload = %s", p)
	}

	if _, err := readPayload("{nope", nil); err == nil {
		t.Error("expected invalid JSON to fail")
	}
}

func TestSortedProjects(t *testing.T) {
	m := map[string]*schema.ProjectUsage{
		"b": {Bytes: 10},
		"a": {Bytes: 10},
		"c": {Bytes: 500},
	}
	got := sortedProjects(m)
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sortedProjects = %v, want %v", got, want)
		}
	}
}

func TestSingular(t *testing.T) {
	cases := map[schema.Collection]string{
		schema.Assessments:  "assessment",
		schema.Photos:       "photo",
		schema.Deficiencies: "deficiency",
	}
	for c, want := range cases {
		if got := singular(c); got != want {
			t.Errorf("singular(%s) = %s, want %s", c, got, want)
		}
	}
}

func TestWatchVisibility(t *testing.T) {
	hide, show, ok := platform.VisibilitySignals()
	if !ok {
		t.Skip("no job-control signals on this platform")
	}

	guard := upload.NewGuard(nil, logger.Discard())
	running := make(chan struct{})
	release := make(chan struct{})
	uploaded := make(chan error, 1)
	go func() {
		uploaded <- guard.Run(context.Background(), "photo-7", func(ctx context.Context) error {
			close(running)
			<-release
			return nil
		})
	}()
	<-running

	var changes []bool
	set := func(_ context.Context, hidden bool) {
		changes = append(changes, hidden)
		guard.SetVisibility(hidden)
	}
	sigs := make(chan os.Signal)
	var out bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchVisibility(context.Background(), sigs, hide, set, guard, &out)
	}()

	sigs <- hide
	sigs <- show
	close(sigs)
	<-done

	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Errorf("visibility changes = %v, want [true false]", changes)
	}
	if !strings.Contains(out.String(), "photo-7 "+upload.BackgroundNote) {
		t.Errorf("output missing background note: %q", out.String())
	}
	if !strings.Contains(out.String(), "back in foreground") {
		t.Errorf("output missing foreground line: %q", out.String())
	}

	select {
	case err := <-uploaded:
		t.Fatalf("upload ended early: %v", err)
	default:
	}
	close(release)
	if err := <-uploaded; err != nil {
		t.Fatalf("upload failed: %v", err)
	}
}
