package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"ensemble/internal/collector"
	"ensemble/internal/core"
)

func TestNewProgress(t *testing.T) {
	c := collector.NewCollector()
	defer c.Close()

	progress := NewProgress(c, false)

	if progress.collector != c {
		t.Error("collector not assigned")
	}
	if progress.quiet {
		t.Error("quiet should be false")
	}
}

func TestProgress_QuietMode(t *testing.T) {
	c := collector.NewCollector()
	defer c.Close()

	var buf bytes.Buffer
	progress := NewProgress(c, true)
	progress.SetOutput(&buf)

	progress.Start()
	progress.Print("hidden")
	progress.Stop()

	if buf.Len() != 0 {
		t.Errorf("expected no output in quiet mode, got: %q", buf.String())
	}
}

func TestProgress_DoubleStop(t *testing.T) {
	c := collector.NewCollector()
	defer c.Close()

	progress := NewProgress(c, false)
	progress.SetOutput(&bytes.Buffer{})
	progress.Start()

	progress.Stop()
	progress.Stop()
}

func TestProgress_StopWithoutStart(t *testing.T) {
	c := collector.NewCollector()
	defer c.Close()

	progress := NewProgress(c, false)
	progress.SetOutput(&bytes.Buffer{})
	progress.Stop()
}

func TestProgress_PrintsStatus(t *testing.T) {
	c := collector.NewCollector()
	defer c.Close()
	c.Report(core.Event{Kind: "tick", Success: true})
	c.Report(core.Event{Kind: "episode", Success: true, Steps: 5, Return: 5})

	buf := &core.MockWriter{}
	progress := NewProgress(c, false)
	progress.interval = 10 * time.Millisecond
	progress.SetOutput(buf)

	progress.Start()
	time.Sleep(50 * time.Millisecond)
	progress.Stop()

	output := buf.String()
	if !strings.Contains(output, "Ticks: 1 | ") || !strings.Contains(output, "Episodes: 1 | Faults: 0") {
		t.Errorf("expected a status line, got: %q", output)
	}
}

func TestProgress_StopWaitsForStatusLine(t *testing.T) {
	c := collector.NewCollector()
	buf := &core.MockWriter{}
	progress := NewProgress(c, false)
	progress.interval = time.Millisecond
	progress.SetOutput(buf)

	progress.Start()
	time.Sleep(20 * time.Millisecond)
	progress.Stop()
	c.Close()

	output := buf.String()
	if !strings.HasSuffix(output, "\r\033[K") {
		t.Errorf("the cleared line should be the last write, got tail %q", output[max(0, len(output)-40):])
	}
	time.Sleep(10 * time.Millisecond)
	if buf.String() != output {
		t.Error("status written after Stop returned")
	}
}

func TestStatusLine(t *testing.T) {
	m := &collector.Metrics{Ticks: 1523, StepsPerSec: 8120.44, Episodes: 12, Faults: 1}
	got := statusLine(m, 90*time.Second)
	want := "[01:30] Ticks: 1523 | Steps/s: 8120.4 | Episodes: 12 | Faults: 1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	m.Lost = 2
	if got := statusLine(m, 0); !strings.HasSuffix(got, " | Lost: 2") {
		t.Errorf("expected lost workers in %q", got)
	}
}

func TestProgress_Print(t *testing.T) {
	c := collector.NewCollector()
	defer c.Close()

	var buf bytes.Buffer
	progress := NewProgress(c, false)
	progress.SetOutput(&buf)

	progress.Print("Spawned 4 workers (4 handles)")

	output := buf.String()
	if !strings.Contains(output, "\033[K") {
		t.Error("expected output to contain line clear escape sequence")
	}
	if !strings.Contains(output, "Spawned 4 workers (4 handles)\n") {
		t.Errorf("expected message with newline, got: %q", output)
	}
}

func TestProgress_Printf(t *testing.T) {
	c := collector.NewCollector()
	defer c.Close()

	var buf bytes.Buffer
	progress := NewProgress(c, false)
	progress.SetOutput(&buf)

	progress.Printf("Warmup: %d ticks", 10)

	if !strings.Contains(buf.String(), "Warmup: 10 ticks\n") {
		t.Errorf("expected formatted message, got: %q", buf.String())
	}
}

func TestProgress_SetOutput(t *testing.T) {
	c := collector.NewCollector()
	defer c.Close()

	var buf1, buf2 bytes.Buffer
	progress := NewProgress(c, false)

	progress.SetOutput(&buf1)
	progress.Print("message1")

	progress.SetOutput(&buf2)
	progress.Print("message2")

	if !strings.Contains(buf1.String(), "message1") {
		t.Error("expected message1 in buf1")
	}
	if !strings.Contains(buf2.String(), "message2") {
		t.Error("expected message2 in buf2")
	}
	if strings.Contains(buf1.String(), "message2") {
		t.Error("buf1 should not contain message2")
	}
}
