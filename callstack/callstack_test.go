package callstack

import "testing"

func TestPushPeekPop(t *testing.T) {
	s := New()
	s.Push(1)
	s.Push(2)

	top, err := s.Peek()
	if err != nil || top != 2 {
		t.Fatalf("Peek = %v, %v, want 2", top, err)
	}

	popped, err := s.Pop()
	if err != nil || popped != 2 {
		t.Fatalf("Pop = %v, %v, want 2", popped, err)
	}
	if top, _ := s.Peek(); top != 1 {
		t.Fatalf("Peek after pop = %v, want 1", top)
	}
}

func TestPeekPopEmpty(t *testing.T) {
	s := New()
	if _, err := s.Peek(); err != ErrEmpty {
		t.Fatalf("Peek on empty = %v, want ErrEmpty", err)
	}
	if _, err := s.Pop(); err != ErrEmpty {
		t.Fatalf("Pop on empty = %v, want ErrEmpty", err)
	}
}

func TestValidateSignerAuthenticity(t *testing.T) {
	s := New()
	s.Push(42)

	if !s.ValidateSigner(42) {
		t.Fatal("expected signer claim matching stack top to validate")
	}
	if s.ValidateSigner(7) {
		t.Fatal("expected forged signer claim to fail validation")
	}
}

func TestValidateSignerOnEmptyStack(t *testing.T) {
	s := New()
	if s.ValidateSigner(1) {
		t.Fatal("expected validation to fail against an empty stack")
	}
}
