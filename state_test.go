package jrnl

import "testing"

func TestStateGuardTransition(t *testing.T) {
	sg := NewStateGuard(StateInitial)
	if sg.Get() != StateInitial {
		t.Fatalf("Get() = %v, want StateInitial", sg.Get())
	}
	if !sg.Transition([]State{StateInitial}, StateRestoring) {
		t.Fatalf("Transition from Initial should succeed")
	}
	if sg.Get() != StateRestoring {
		t.Fatalf("Get() = %v, want StateRestoring", sg.Get())
	}
	if sg.Transition([]State{StateInitial}, StateActive) {
		t.Fatalf("Transition from non-matching state should fail")
	}
	if sg.Get() != StateRestoring {
		t.Fatalf("failed Transition must not change state")
	}
}

func TestStateGuardSetAndWithLocked(t *testing.T) {
	sg := NewStateGuard(StateActive)
	sg.Set(StateInvalid)
	if sg.Get() != StateInvalid {
		t.Fatalf("Get() = %v, want StateInvalid", sg.Get())
	}

	sg2 := NewStateGuard(0)
	ok := sg2.WithLocked(func(cur int) (int, bool) {
		if cur != 0 {
			return cur, false
		}
		return cur + 1, true
	})
	if !ok || sg2.Get() != 1 {
		t.Fatalf("WithLocked did not apply the transition")
	}
}
