package auth

import "testing"

func TestChallengeResponseMatchesOnlyTheRightCredentials(t *testing.T) {
	challenge, err := NewChallenge()
	if err != nil {
		t.Fatal(err)
	}

	store := NewStaticStore([]Credentials{
		{Username: "alice", PasswordHash: PasswordHash("correct horse")},
	})

	good := ChallengeResponse(PasswordHash("correct horse"), challenge)
	if err := Verify(store, UnameHash("alice"), good, challenge); err != nil {
		t.Fatalf("Verify with correct credentials failed: %v", err)
	}

	bad := ChallengeResponse(PasswordHash("wrong password"), challenge)
	if err := Verify(store, UnameHash("alice"), bad, challenge); err != ErrAuthFailure {
		t.Fatalf("Verify with wrong password = %v, want ErrAuthFailure", err)
	}

	if err := Verify(store, UnameHash("bob"), good, challenge); err != ErrAuthFailure {
		t.Fatalf("Verify for unknown user = %v, want ErrAuthFailure", err)
	}
}

func TestChallengeResponseIsSensitiveToChallengeBytes(t *testing.T) {
	pwHash := PasswordHash("secret")
	c1, _ := NewChallenge()
	c2, _ := NewChallenge()

	if ChallengeResponse(pwHash, c1) == ChallengeResponse(pwHash, c2) {
		t.Fatal("two distinct challenges produced the same response")
	}
}

func TestNewChallengeLength(t *testing.T) {
	c, err := NewChallenge()
	if err != nil {
		t.Fatal(err)
	}
	if len(c) != ChallengeSize {
		t.Fatalf("len(challenge) = %d, want %d", len(c), ChallengeSize)
	}
}
