package captcha

import (
	"testing"
	"time"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
)

func TestResolveClick(t *testing.T) {
	tests := []struct {
		name      string
		x, y      int
		width     int
		iconCount int
		want      int
	}{
		{"first slot", 0, 10, 320, 5, 0},
		{"just past first boundary", 65, 10, 320, 5, 1},
		{"on boundary", 64, 10, 320, 5, 1},
		{"last slot", 319, 50, 320, 5, 4},
		{"right edge", 320, 25, 320, 5, 4},
		{"fractional slot width", 100, 25, 250, 6, 2},
		{"fractional width truncation", 41, 25, 250, 6, 0},
		{"fractional width boundary", 42, 25, 250, 6, 1},
		{"negative x", -1, 10, 320, 5, InvalidSlot},
		{"x beyond width", 321, 10, 320, 5, InvalidSlot},
		{"negative y", 10, -1, 320, 5, InvalidSlot},
		{"y below image", 10, 51, 320, 5, InvalidSlot},
		{"zero width", 0, 0, 0, 5, InvalidSlot},
		{"no icons", 10, 10, 320, 0, InvalidSlot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveClick(tt.x, tt.y, tt.width, tt.iconCount); got != tt.want {
				t.Errorf("ResolveClick(%d, %d, %d, %d) = %d, want %d", tt.x, tt.y, tt.width, tt.iconCount, got, tt.want)
			}
		})
	}
}

func TestParseSelection(t *testing.T) {
	tests := []struct {
		input   string
		x, y, w int
		ok      bool
	}{
		{"65,20,320", 65, 20, 320, true},
		{" 1, 2 ,3 ", 1, 2, 3, true},
		{"-5,0,100", -5, 0, 100, true},
		{"1,2", 0, 0, 0, false},
		{"1,2,3,4", 0, 0, 0, false},
		{"a,b,c", 0, 0, 0, false},
		{"", 0, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			x, y, w, ok := ParseSelection(tt.input)
			if ok != tt.ok || x != tt.x || y != tt.y || w != tt.w {
				t.Errorf("ParseSelection(%q) = %d,%d,%d,%v", tt.input, x, y, w, ok)
			}
		})
	}
}

func TestApplySelection_SlotSpans(t *testing.T) {
	policy := AttemptPolicy{MaxAttempts: 100, Timeout: 30 * time.Second}
	now := time.Now()
	icons := []int{4, 9, 4, 4, 4, 9, 4}

	// Every pixel of the correct slot validates, every other slot fails
	for x := 0; x <= 320; x++ {
		challenge := &domain.Challenge{Icons: icons, IconIDs: []int{4, 9}, CorrectID: 9}
		slot := ResolveClick(x, 25, 320, len(icons))
		got := policy.ApplySelection(challenge, slot, now)
		want := icons[slot] == 9

		if got != want {
			t.Fatalf("x=%d slot=%d: ApplySelection() = %v, want %v", x, slot, got, want)
		}
		if !want && challenge.Attempts != 1 {
			t.Fatalf("x=%d: expected attempts incremented", x)
		}
		if challenge.Completed != want {
			t.Fatalf("x=%d: completed = %v", x, challenge.Completed)
		}
	}
}

func TestApplySelection_Lockout(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	challenge := &domain.Challenge{Icons: []int{1, 2, 2, 2, 2}, CorrectID: 1, Completed: true}

	policy := AttemptPolicy{MaxAttempts: 3, Timeout: 30 * time.Second}
	for i := 1; i <= 3; i++ {
		if policy.ApplySelection(challenge, 2, now) {
			t.Fatal("expected wrong selection")
		}
		if challenge.Completed {
			t.Fatal("wrong selection must reset completion")
		}
		if challenge.Attempts != i {
			t.Fatalf("expected %d attempts, got %d", i, challenge.Attempts)
		}
	}

	if challenge.AttemptsTimeout == nil || !challenge.AttemptsTimeout.Equal(now.Add(30*time.Second)) {
		t.Fatalf("expected lockout at max attempts, got %v", challenge.AttemptsTimeout)
	}

	if !policy.ApplySelection(challenge, 0, now) {
		t.Fatal("expected correct selection")
	}
	if challenge.Attempts != 0 || challenge.AttemptsTimeout != nil || !challenge.Completed {
		t.Errorf("expected reset state after success, got %+v", challenge)
	}

	// Invalid slots count as wrong selections
	if policy.ApplySelection(challenge, InvalidSlot, now) || challenge.Attempts != 1 {
		t.Error("invalid slot should fail and count an attempt")
	}

	// No timeout configured means no lockout
	noTimeout := AttemptPolicy{MaxAttempts: 1}
	fresh := &domain.Challenge{Icons: []int{1, 2, 2, 2, 2}, CorrectID: 1}
	noTimeout.ApplySelection(fresh, 1, now)
	if fresh.AttemptsTimeout != nil {
		t.Error("expected no lockout without timeout")
	}
}
