package utils

import (
	"errors"
	"testing"
	"time"
)

func TestBlockTokenRoundTrip(t *testing.T) {
	token, err := NewBlockToken("secret", 7, "blk-abc", 43, 92, time.Hour)
	if err != nil {
		t.Fatalf("NewBlockToken() error: %v", err)
	}
	claims, err := VerifyBlockToken("secret", token, 7, "blk-abc")
	if err != nil {
		t.Fatalf("VerifyBlockToken() error: %v", err)
	}
	if claims.RangeStart != 43 || claims.RangeEnd != 92 {
		t.Fatalf("claims range = [%d, %d], want [43, 92]", claims.RangeStart, claims.RangeEnd)
	}
}

func TestBlockTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewBlockToken("secret", 7, "blk-abc", 43, 92, time.Hour)
	if err != nil {
		t.Fatalf("NewBlockToken() error: %v", err)
	}
	if _, err := VerifyBlockToken("other", token, 7, "blk-abc"); !errors.Is(err, ErrBlockTokenInvalid) {
		t.Fatalf("VerifyBlockToken() error = %v, want ErrBlockTokenInvalid", err)
	}
}

func TestBlockTokenRejectsWrongBlock(t *testing.T) {
	token, err := NewBlockToken("secret", 7, "blk-abc", 43, 92, time.Hour)
	if err != nil {
		t.Fatalf("NewBlockToken() error: %v", err)
	}
	if _, err := VerifyBlockToken("secret", token, 8, "blk-abc"); !errors.Is(err, ErrBlockTokenInvalid) {
		t.Fatalf("wrong tenant error = %v, want ErrBlockTokenInvalid", err)
	}
	if _, err := VerifyBlockToken("secret", token, 7, "blk-xyz"); !errors.Is(err, ErrBlockTokenInvalid) {
		t.Fatalf("wrong channel error = %v, want ErrBlockTokenInvalid", err)
	}
}

func TestBlockTokenRejectsExpired(t *testing.T) {
	token, err := NewBlockToken("secret", 7, "blk-abc", 43, 92, -time.Minute)
	if err != nil {
		t.Fatalf("NewBlockToken() error: %v", err)
	}
	if _, err := VerifyBlockToken("secret", token, 7, "blk-abc"); !errors.Is(err, ErrBlockTokenInvalid) {
		t.Fatalf("expired token error = %v, want ErrBlockTokenInvalid", err)
	}
}
