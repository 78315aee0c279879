package passphrase

import (
	"errors"
	"io"
	"testing"
)

func scripted(answers ...string) func(int) ([]byte, error) {
	return func(int) ([]byte, error) {
		if len(answers) == 0 {
			return nil, errors.New("no more input")
		}
		next := answers[0]
		answers = answers[1:]
		return []byte(next), nil
	}
}

func interactive(envVar string, answers ...string) *Source {
	s := NewSource(envVar)
	s.isTerminal = func(int) bool { return true }
	s.read = scripted(answers...)
	s.prompt = io.Discard
	return s
}

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("MARGINCTL_TEST_PASS", "from-env")
	s := interactive("MARGINCTL_TEST_PASS", "from-prompt")
	got, err := s.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("expected env passphrase, got %q", got)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("MARGINCTL_TEST_PASS", "  ")
	if _, err := NewSource("MARGINCTL_TEST_PASS").Get(); err == nil {
		t.Fatalf("expected blank env passphrase to be rejected")
	}
}

func TestSourceConfirmation(t *testing.T) {
	got, err := interactive("", "secret", "secret").WithConfirmation().Get()
	if err != nil || got != "secret" {
		t.Fatalf("expected confirmed passphrase, got %q, %v", got, err)
	}
	if _, err := interactive("", "secret", "other").WithConfirmation().Get(); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestSourceCachesResult(t *testing.T) {
	s := interactive("", "once")
	first, err := s.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := s.Get()
	if err != nil || second != first {
		t.Fatalf("expected cached passphrase, got %q, %v", second, err)
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	s := NewSource("")
	s.isTerminal = func(int) bool { return false }
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected error without terminal")
	}
}
