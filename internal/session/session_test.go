package session

import "testing"

func TestAuthenticateAcceptsAnyConfiguredSecret(t *testing.T) {
	t.Parallel()

	s := &Session{deps: Deps{Secrets: []string{"alpha", "beta"}}}

	if !s.authenticate("alpha") {
		t.Fatalf("expected alpha to authenticate")
	}
	if !s.authenticate("beta") {
		t.Fatalf("expected beta to authenticate")
	}
	if s.authenticate("gamma") {
		t.Fatalf("expected an unknown token to be rejected")
	}
}

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	t.Parallel()

	s := &Session{deps: Deps{Secrets: []string{""}}}
	if s.authenticate("") {
		t.Fatalf("expected an empty token to always be rejected, even against an empty configured secret")
	}
}

func TestAuthenticateRejectsWhenNoSecretsConfigured(t *testing.T) {
	t.Parallel()

	s := &Session{deps: Deps{}}
	if s.authenticate("anything") {
		t.Fatalf("expected rejection when no secrets are configured")
	}
}

func TestStateStringCoversEveryState(t *testing.T) {
	t.Parallel()

	cases := map[State]string{
		StateInit:       "init",
		StateAuthed:     "authed",
		StateSubscribed: "subscribed",
		StateStreaming:  "streaming",
		StateClosed:     "closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d: expected %q, got %q", state, want, got)
		}
	}
	if got := State(99).String(); got != "unknown" {
		t.Fatalf("expected unknown state to stringify as 'unknown', got %q", got)
	}
}
