package ledger

import (
	"sync"
	"testing"
)

func TestBumpIsMonotonic(t *testing.T) {
	l := New()

	if got := l.Current("s1"); got != 0 {
		t.Fatalf("Current on unknown session = %d, want 0", got)
	}

	var last uint64
	for i := 0; i < 100; i++ {
		v := l.Bump("s1")
		if v <= last {
			t.Fatalf("Bump returned %d after %d", v, last)
		}
		if cur := l.Current("s1"); cur != v {
			t.Fatalf("Current = %d, want %d", cur, v)
		}
		last = v
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	l := New()
	l.Bump("a")
	l.Bump("a")
	l.Bump("b")

	if got := l.Current("a"); got != 2 {
		t.Errorf("Current(a) = %d, want 2", got)
	}
	if got := l.Current("b"); got != 1 {
		t.Errorf("Current(b) = %d, want 1", got)
	}
}

func TestForgetNeverRewinds(t *testing.T) {
	l := New()
	v := l.Bump("s1")
	l.Forget("s1")

	if cur := l.Current("s1"); cur == v {
		t.Fatalf("Current after Forget = %d, still matches the old version", cur)
	}
	next := l.Bump("s1")
	if next <= v {
		t.Fatalf("Bump after Forget = %d, want > %d", next, v)
	}
}

func TestConcurrentBumps(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	seen := make(chan uint64, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- l.Bump("s1")
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[uint64]bool{}
	for v := range seen {
		if unique[v] {
			t.Fatalf("version %d handed out twice", v)
		}
		unique[v] = true
	}
	if got := l.Current("s1"); got != 200 {
		t.Errorf("Current = %d, want 200", got)
	}
}
