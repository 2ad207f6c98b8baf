package formatter

import (
	"strings"
	"testing"
)

func TestFormatter(t *testing.T) {
	t.Run("Enabled", func(t *testing.T) {
		on := true
		f := New(&on)
		out := f.Format("boom", Bold, Red)
		if !strings.HasPrefix(out, "\033[1m\033[31m") {
			t.Errorf("missing style prefix: %q", out)
		}
		if !strings.Contains(out, "boom") {
			t.Errorf("payload lost: %q", out)
		}
		if !strings.HasSuffix(out, "\033[22m") {
			t.Errorf("styles must be cleared in reverse order: %q", out)
		}
	})

	t.Run("Disabled", func(t *testing.T) {
		off := false
		f := New(&off)
		if got := f.Format("plain", Bold); got != "plain" {
			t.Errorf("disabled formatter altered text: %q", got)
		}
		if f.Set(Bold) != "" || f.Clear(Bold) != "" {
			t.Error("disabled formatter must emit no escape codes")
		}
	})

	t.Run("NoStyles", func(t *testing.T) {
		on := true
		f := New(&on)
		if got := f.Format("as-is"); got != "as-is" {
			t.Errorf("formatting without styles altered text: %q", got)
		}
	})
}
