package log

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestWriteTimeTermFormat(t *testing.T) {
	b := bytes.NewBufferString("")
	writeTimeTermFormat(b, time.Now())
	if b.Len() == 0 {
		t.Fatalf("writeTimeTermFormat wrote nothing")
	}
}

func TestTerminalHandlerFormatsMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := NewTerminalHandler(&buf, false)
	l := NewLogger(h)
	l.Info("host admitted", "kind", "fresh_any", "port", 6346)

	out := buf.String()
	if !strings.Contains(out, "host admitted") {
		t.Fatalf("output missing message: %q", out)
	}
	if !strings.Contains(out, "kind=fresh_any") {
		t.Fatalf("output missing kind attr: %q", out)
	}
	if !strings.Contains(out, "port=6346") {
		t.Fatalf("output missing port attr: %q", out)
	}
}
