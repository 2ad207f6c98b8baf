package callstack

import (
	"bytes"
	"strings"
	"testing"
)

func TestCapture(t *testing.T) {
	t.Run("CapturesCallerFrames", func(t *testing.T) {
		stack := Capture(0, 32)
		if len(stack) == 0 {
			t.Fatal("capture produced no frames")
		}
	})

	t.Run("RespectsCap", func(t *testing.T) {
		SizeExceeded(true)
		stack := deepCapture(8, 2)
		if len(stack) > 2 {
			t.Errorf("capture of %d frames exceeds the cap of 2", len(stack))
		}
		if !SizeExceeded(false) {
			t.Error("truncation must latch the size-exceeded flag")
		}
		if !SizeExceeded(true) || SizeExceeded(false) {
			t.Error("clearing must reset the latch")
		}
	})
}

//go:noinline
func deepCapture(depth, max int) []uintptr {
	if depth == 0 {
		return Capture(0, max)
	}
	return deepCapture(depth-1, max)
}

func TestFormat(t *testing.T) {
	f := NewFormatter(false, true, false, nil)

	t.Run("FunctionNames", func(t *testing.T) {
		var buf bytes.Buffer
		f.Format(&buf, Capture(0, 16), "  ")
		out := buf.String()
		if !strings.Contains(out, "callstack.TestFormat") {
			t.Errorf("formatted stack misses the test frame:\n%s", out)
		}
		if !strings.HasPrefix(out, "  in ") {
			t.Errorf("the first frame should be introduced with %q:\n%s", "in", out)
		}
	})

	t.Run("EmptyStack", func(t *testing.T) {
		var buf bytes.Buffer
		f.Format(&buf, nil, "")
		if !strings.Contains(buf.String(), "no callstack") {
			t.Errorf("empty stacks need a placeholder, got %q", buf.String())
		}
	})

	t.Run("AddressesOnly", func(t *testing.T) {
		plain := NewFormatter(false, false, false, nil)
		var buf bytes.Buffer
		plain.Format(&buf, Capture(0, 4), "")
		if strings.Contains(buf.String(), "TestFormat") {
			t.Errorf("function names must be omitted:\n%s", buf.String())
		}
	})
}
