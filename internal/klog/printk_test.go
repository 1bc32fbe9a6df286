package klog

import (
	"strings"
	"testing"
)

type fakeConsole struct {
	lines []string
}

func (f *fakeConsole) Write(level int, msg string) {
	f.lines = append(f.lines, msg)
}

func resetGlobals() {
	ring = Ring{}
	consoles = nil
	consoleLevel = LevelDebug
	nowMillis = func() uint64 { return 0 }
}

func TestParseLevelPrefix(t *testing.T) {
	level, body := parseLevel("<3>disk error on %s")
	if level != LevelErr || body != "disk error on %s" {
		t.Errorf("parseLevel = (%d, %q), want (%d, %q)", level, body, LevelErr, "disk error on %s")
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	level, body := parseLevel("no prefix here")
	if level != defaultLevel || body != "no prefix here" {
		t.Errorf("parseLevel = (%d, %q), want (%d, %q)", level, body, defaultLevel, "no prefix here")
	}
}

func TestSprintfVerbs(t *testing.T) {
	got := sprintf("%s has %d widgets (%x hex, %u unsigned) %%", "bob", -3, 255, 42)
	want := "bob has -3 widgets (ff hex, 42 unsigned) %"
	if got != want {
		t.Errorf("sprintf = %q, want %q", got, want)
	}
}

func TestSprintfWidthAndZeroPadding(t *testing.T) {
	cases := []struct {
		format string
		args   []any
		want   string
	}{
		{"%5d", []any{42}, "   42"},
		{"%05d", []any{42}, "00042"},
		{"%05d", []any{-42}, "-0042"},
		{"%08x", []any{0xbeef}, "0000beef"},
		{"%4x", []any{0xbeef}, "beef"},
		{"%8s", []any{"tty"}, "     tty"},
		{"%02u", []any{7}, "07"},
		{"%lu", []any{uint64(1 << 40)}, "1099511627776"},
		{"%llx", []any{uint64(0xdead_beef_cafe)}, "deadbeefcafe"},
	}
	for _, c := range cases {
		if got := sprintf(c.format, c.args...); got != c.want {
			t.Errorf("sprintf(%q) = %q, want %q", c.format, got, c.want)
		}
	}
}

// %c must consume exactly one argument whatever concrete type carries
// the character, or every verb after it renders from the wrong slot.
func TestSprintfCharKeepsArgumentSync(t *testing.T) {
	if got := sprintf("%c=%d", 'x', 42); got != "x=42" {
		t.Errorf("sprintf(%%c=%%d, rune) = %q, want %q", got, "x=42")
	}
	if got := sprintf("%c=%d", int('y'), 7); got != "y=7" {
		t.Errorf("sprintf(%%c=%%d, int) = %q, want %q", got, "y=7")
	}
	if got := sprintf("%c=%d", byte('z'), 3); got != "z=3" {
		t.Errorf("sprintf(%%c=%%d, byte) = %q, want %q", got, "z=3")
	}
}

func TestSprintfTruncatesToScratch(t *testing.T) {
	long := strings.Repeat("a", 2*scratchSize)
	if got := sprintf("%s", long); len(got) != scratchSize-1 {
		t.Errorf("len(sprintf(long)) = %d, want %d", len(got), scratchSize-1)
	}
}

func TestPrintkCommitsToRingAndFansOutAboveFilter(t *testing.T) {
	resetGlobals()
	var con fakeConsole
	RegisterConsole(&con)
	SetConsoleLevel(LevelWarn)

	Printk("<7>this is too verbose for the console")
	Printk("<2>this is critical")

	if len(con.lines) != 1 || con.lines[0] != "this is critical" {
		t.Errorf("console received %v, want only the critical message", con.lines)
	}

	var seq uint64
	text, _, status := ring.Read(&seq)
	if status != StatusOK || text != "this is too verbose for the console" {
		t.Errorf("ring should still contain the filtered-out debug message, got %q/%v", text, status)
	}
}

func TestPrintkTimestampsFromClock(t *testing.T) {
	resetGlobals()
	now := uint64(12340)
	SetClock(func() uint64 { return now })

	Printk("tick")
	var seq uint64
	_, hdr, status := ring.Read(&seq)
	if status != StatusOK || hdr.Timestamp != now {
		t.Errorf("record = (%+v, %v), want timestamp %d", hdr, status, now)
	}
}

func TestPrintkFansOutMostRecentlyRegisteredFirst(t *testing.T) {
	resetGlobals()
	var order []string
	first := consoleFunc(func(level int, msg string) { order = append(order, "first") })
	second := consoleFunc(func(level int, msg string) { order = append(order, "second") })
	RegisterConsole(first)
	RegisterConsole(second)

	Printk("fan out")
	// Head insertion: the most recently registered console writes first.
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("fan-out order = %v, want [second first]", order)
	}
}

type consoleFunc func(level int, msg string)

func (f consoleFunc) Write(level int, msg string) { f(level, msg) }

func TestConvenienceWrappersTagLevel(t *testing.T) {
	resetGlobals()
	var con fakeConsole
	RegisterConsole(&con)

	Warnf("low battery: %d%%", 5)

	var seq uint64
	text, hdr, status := ring.Read(&seq)
	if status != StatusOK || text != "low battery: 5%" {
		t.Fatalf("record = (%q, %v), want (low battery: 5%%, OK)", text, status)
	}
	if hdr.Level != LevelWarn {
		t.Errorf("record level = %d, want %d", hdr.Level, LevelWarn)
	}
}
