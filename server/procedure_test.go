package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewProcedureRejections(t *testing.T) {
	cases := []struct {
		name   string
		target string
		fn     any
		want   error
	}{
		{"blank target", "", func() {}, ErrInvalidTarget},
		{"whitespace target", "   ", func() {}, ErrInvalidTarget},
		{"nil procedure", "x", nil, ErrNilProcedure},
		{"not a function", "x", 42, ErrNotFunction},
		{"variadic", "x", func(args ...int) {}, ErrUnsupportedSignature},
		{"int8 param", "x", func(n int8) {}, ErrUnsupportedSignature},
		{"uint16 param", "x", func(n uint16) {}, ErrUnsupportedSignature},
		{"float32 param", "x", func(n float32) {}, ErrUnsupportedSignature},
		{"float32 pointer param", "x", func(n *float32) {}, ErrUnsupportedSignature},
		{"complex param", "x", func(n complex128) {}, ErrUnsupportedSignature},
		{"chan param", "x", func(ch chan int) {}, ErrUnsupportedSignature},
		{"func param", "x", func(f func()) {}, ErrUnsupportedSignature},
		{"non-empty interface param", "x", func(e error) {}, ErrUnsupportedSignature},
		{"error first result", "x", func() (error, int) { return nil, 0 }, ErrUnsupportedSignature},
		{"two values", "x", func() (int, int) { return 0, 0 }, ErrUnsupportedSignature},
		{"three results", "x", func() (int, string, error) { return 0, "", nil }, ErrUnsupportedSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newProcedure(tc.target, tc.fn)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expect %v, got %v", tc.want, err)
			}
		})
	}
}

func TestNewProcedureAccepts(t *testing.T) {
	fns := []any{
		func() {},
		func() error { return nil },
		func() int { return 0 },
		func() (string, error) { return "", nil },
		func(a int, b float64, s string) {},
		func(v any) {},
		func(m map[string]int, xs []string) {},
		func(p *struct{ N int }) {},
		func(b []byte) {},
	}
	for i, fn := range fns {
		if _, err := newProcedure("ok", fn); err != nil {
			t.Fatalf("signature %d: unexpected error %v", i, err)
		}
	}
}

func rawArgs(t *testing.T, args ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = raw
	}
	return out
}

func TestInvokeReturnsValue(t *testing.T) {
	p, err := newProcedure("add", func(a, b int) int { return a + b })
	if err != nil {
		t.Fatal(err)
	}
	result, fault := p.invoke(rawArgs(t, 1, 2))
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if result != 3 {
		t.Fatalf("expect 3, got %v", result)
	}
}

func TestInvokeNoResult(t *testing.T) {
	called := false
	p, _ := newProcedure("fire", func() { called = true })
	result, fault := p.invoke(nil)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if result != nil {
		t.Fatalf("expect nil result, got %v", result)
	}
	if !called {
		t.Fatal("procedure was not invoked")
	}
}

func TestInvokeArityMismatch(t *testing.T) {
	p, _ := newProcedure("add", func(a, b int) int { return a + b })
	_, fault := p.invoke(rawArgs(t, 1))
	if fault == nil {
		t.Fatal("expect a fault for wrong arity")
	}
	if !strings.Contains(fault.Message, "expects 2 arguments, got 1") {
		t.Fatalf("unexpected fault message: %q", fault.Message)
	}
}

func TestInvokeBindFailure(t *testing.T) {
	p, _ := newProcedure("add", func(n int) int { return n + 1 })
	_, fault := p.invoke(rawArgs(t, "not a number"))
	if fault == nil {
		t.Fatal("expect a fault for unbindable argument")
	}
	if !strings.Contains(fault.Message, "argument 0") {
		t.Fatalf("unexpected fault message: %q", fault.Message)
	}
}

func TestInvokeInnermostCause(t *testing.T) {
	base := errors.New("disk offline")
	p, _ := newProcedure("save", func() error {
		return fmt.Errorf("save failed: %w", base)
	})
	_, fault := p.invoke(nil)
	if fault == nil {
		t.Fatal("expect a fault")
	}
	if fault.Message != "disk offline" {
		t.Fatalf("expect innermost cause, got %q", fault.Message)
	}
	if fault.Stacktrace != "save failed: disk offline" {
		t.Fatalf("expect full chain in stacktrace, got %q", fault.Stacktrace)
	}
}

func TestInvokePanic(t *testing.T) {
	p, _ := newProcedure("boom", func() { panic("kaboom") })
	result, fault := p.invoke(nil)
	if result != nil {
		t.Fatalf("expect nil result after panic, got %v", result)
	}
	if fault == nil {
		t.Fatal("expect a fault after panic")
	}
	if fault.Message != "kaboom" {
		t.Fatalf("expect panic value as message, got %q", fault.Message)
	}
	if fault.Stacktrace == "" {
		t.Fatal("expect a stack trace")
	}
}

func TestInvokeValueAndError(t *testing.T) {
	p, _ := newProcedure("div", func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, errors.New("division by zero")
		}
		return a / b, nil
	})

	result, fault := p.invoke(rawArgs(t, 6.0, 2.0))
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if result != 3.0 {
		t.Fatalf("expect 3, got %v", result)
	}

	_, fault = p.invoke(rawArgs(t, 1.0, 0.0))
	if fault == nil || fault.Message != "division by zero" {
		t.Fatalf("expect division by zero fault, got %v", fault)
	}
}
