package server

import (
	"testing"
	"time"
)

func TestConnLimits_PerIP(t *testing.T) {
	l := newConnLimits(2, 10)

	if err := l.acquire("1.1.1.1", "u1"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := l.acquire("1.1.1.1", "u2"); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	err := l.acquire("1.1.1.1", "u3")
	if err == nil {
		t.Fatal("expected third connection from same IP to be refused")
	}
	if err.Dimension != DimensionIP {
		t.Errorf("dimension = %q, want %q", err.Dimension, DimensionIP)
	}
	if err.Limit != 2 {
		t.Errorf("limit = %d, want 2", err.Limit)
	}

	// A different IP is unaffected.
	if err := l.acquire("2.2.2.2", "u3"); err != nil {
		t.Errorf("acquire from other IP failed: %v", err)
	}
}

func TestConnLimits_PerUser(t *testing.T) {
	l := newConnLimits(10, 1)

	if err := l.acquire("1.1.1.1", "u1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	err := l.acquire("2.2.2.2", "u1")
	if err == nil {
		t.Fatal("expected second connection for same user to be refused")
	}
	if err.Dimension != DimensionUser {
		t.Errorf("dimension = %q, want %q", err.Dimension, DimensionUser)
	}
}

func TestConnLimits_ReleaseReportsLastForUser(t *testing.T) {
	l := newConnLimits(10, 10)
	l.acquire("1.1.1.1", "u1")
	l.acquire("1.1.1.1", "u1")

	if last := l.release("1.1.1.1", "u1"); last {
		t.Error("first release should not be the user's last")
	}
	if last := l.release("1.1.1.1", "u1"); !last {
		t.Error("second release should be the user's last")
	}

	// Counters are fully reclaimed.
	total, users, ips := l.counts()
	if total != 0 || users != 0 || ips != 0 {
		t.Errorf("counts = %d/%d/%d, want 0/0/0", total, users, ips)
	}
}

func TestConnLimits_FailedAcquireLeavesNoResidue(t *testing.T) {
	l := newConnLimits(1, 10)
	l.acquire("1.1.1.1", "u1")
	l.acquire("1.1.1.1", "u2") // refused

	l.release("1.1.1.1", "u1")
	if err := l.acquire("1.1.1.1", "u3"); err != nil {
		t.Errorf("slot should be free after release: %v", err)
	}
}

func TestMessageLimiter_Enforces(t *testing.T) {
	l := newMessageLimiter(5)
	now := time.Now()

	allowed := 0
	for i := 0; i < 10; i++ {
		if ok, _ := l.allow(now); ok {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("allowed = %d, want 5", allowed)
	}
}

func TestMessageLimiter_AdvisesOncePerWindow(t *testing.T) {
	l := newMessageLimiter(10)
	now := time.Now()

	advisories := 0
	for i := 0; i < 10; i++ {
		if _, advise := l.allow(now); advise {
			advisories++
		}
	}
	if advisories != 1 {
		t.Errorf("advisories = %d, want exactly 1 per window", advisories)
	}

	// A new window advises again.
	later := now.Add(2 * time.Second)
	advisories = 0
	for i := 0; i < 10; i++ {
		if _, advise := l.allow(later); advise {
			advisories++
		}
	}
	if advisories != 1 {
		t.Errorf("advisories in second window = %d, want 1", advisories)
	}
}

func TestMessageLimiter_RefillsAfterWindow(t *testing.T) {
	l := newMessageLimiter(2)
	now := time.Now()
	l.allow(now)
	l.allow(now)
	if ok, _ := l.allow(now); ok {
		t.Fatal("third message in window should be refused")
	}
	if ok, _ := l.allow(now.Add(2 * time.Second)); !ok {
		t.Error("message after window should be allowed again")
	}
}
