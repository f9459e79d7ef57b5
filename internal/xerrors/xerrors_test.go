package xerrors

import (
	"errors"
	"io/fs"
	"runtime"
	"strings"
	"testing"
)

var errSentinel = errors.New("sentinel")

func stackContains(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			return false
		}
	}
}

func TestNew_MessageAndStack(t *testing.T) {
	err := New("bucket is required")
	if err.Error() != "bucket is required" {
		t.Fatalf("Error() = %q", err.Error())
	}
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("New error should carry a stack")
	}
	if !stackContains(hs.StackPCs(), "TestNew_MessageAndStack") {
		t.Fatal("stack should start at the caller")
	}
}

func TestNewf_Formats(t *testing.T) {
	err := Newf("invalid schedule %q", "* *")
	if err.Error() != `invalid schedule "* *"` {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "x") != nil || Wrapf(nil, "x %d", 1) != nil || WithStack(nil) != nil {
		t.Fatal("nil errors must stay nil")
	}
}

func TestWrap_MessageAndUnwrap(t *testing.T) {
	err := Wrap(errSentinel, "put object")
	if err.Error() != "put object: sentinel" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("errors.Is should find the sentinel")
	}
}

func TestWrapf_CallerPC(t *testing.T) {
	err := Wrapf(fs.ErrNotExist, "stat %s", "clash-rules/gfw.txt")
	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) {
		t.Fatal("Wrapf error should expose PC")
	}
	fn := runtime.FuncForPC(hp.PC())
	if fn == nil || !strings.Contains(fn.Name(), "TestWrapf_CallerPC") {
		t.Fatalf("PC should point at the caller, got %v", fn)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("errors.Is through Wrapf failed")
	}
}

func TestWithStack_Idempotent(t *testing.T) {
	first := WithStack(errSentinel)
	second := WithStack(first)
	if first != second {
		t.Fatal("WithStack should not re-wrap an error that has a stack")
	}
	if !errors.Is(second, errSentinel) {
		t.Fatal("errors.Is through WithStack failed")
	}
}

func TestChainedWrap(t *testing.T) {
	err := Wrap(Wrap(New("root"), "middle"), "outer")
	if err.Error() != "outer: middle: root" {
		t.Fatalf("Error() = %q", err.Error())
	}
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("stack from New should be reachable through wraps")
	}
}
