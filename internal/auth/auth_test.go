package auth

import (
	"testing"
	"time"
)

func TestJWTRoundTrip(t *testing.T) {
	token, err := SignJWT(42, "secret", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	uid, err := ParseJWT(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if uid != 42 {
		t.Fatalf("uid = %d, want 42", uid)
	}

	if _, err := ParseJWT(token, "other-secret"); err == nil {
		t.Fatalf("token verified with the wrong secret")
	}
}

func TestJWTExpired(t *testing.T) {
	token, err := SignJWT(1, "secret", -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseJWT(token, "secret"); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestPasswordHash(t *testing.T) {
	h, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPassword(h, "correct horse battery staple") {
		t.Fatalf("correct password rejected")
	}
	if CheckPassword(h, "wrong") {
		t.Fatalf("wrong password accepted")
	}
}
