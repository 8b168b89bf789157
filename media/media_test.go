package media

import (
	"errors"
	"strings"
	"testing"
)

func TestToolErrorMessageAndUnwrap(t *testing.T) {
	base := errors.New("exit status 1")
	te := &ToolError{Tool: "ffmpeg", Stderr: "moov atom not found", Err: base}

	if !strings.Contains(te.Error(), "ffmpeg") || !strings.Contains(te.Error(), "moov atom not found") {
		t.Errorf("unexpected message: %s", te.Error())
	}
	if !errors.Is(te, base) {
		t.Error("ToolError should unwrap to its cause")
	}

	bare := &ToolError{Tool: "ffprobe", Err: base}
	if strings.Contains(bare.Error(), ": :") {
		t.Errorf("empty stderr should be omitted: %s", bare.Error())
	}
}

func TestFormatSeconds(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "0.000"},
		{12.5, "12.500"},
		{3599.999, "3599.999"},
	}
	for _, c := range cases {
		if got := formatSeconds(c.in); got != c.want {
			t.Errorf("formatSeconds(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTailTruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("a", 500) + "END"
	got := tail(long)
	if len(got) != 400 {
		t.Errorf("tail length = %d, want 400", len(got))
	}
	if !strings.HasSuffix(got, "END") {
		t.Error("tail should keep the end of the output")
	}
	if got := tail("  short  "); got != "short" {
		t.Errorf("tail should trim whitespace, got %q", got)
	}
}
