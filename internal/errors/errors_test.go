package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestRegisteredAttributesFlow(t *testing.T) {
	err := New(CodeChainTransient, "节点超时")
	if !RetryableError(err) {
		t.Fatalf("chain transient errors must be retryable")
	}
	if CodeOf(err) != CodeChainTransient {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if CodeOf(wrapped) != CodeChainTransient {
		t.Fatalf("code lost through wrapping: %s", CodeOf(wrapped))
	}
	if !RetryableError(wrapped) {
		t.Fatalf("retryable flag lost through wrapping")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(CodeStorageFailure, cause, "写入失败")

	if !stderrors.Is(err, cause) {
		t.Fatalf("wrapped cause not reachable via errors.Is")
	}
	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeUnknown, "boom",
		WithRetryable(true),
		WithSeverity(SeverityCritical),
		WithMetadata("escrow_id", "0xabc"))

	if !RetryableError(err) {
		t.Fatalf("WithRetryable not applied")
	}
	if SeverityOf(err) != SeverityCritical {
		t.Fatalf("WithSeverity not applied: %s", SeverityOf(err))
	}
	if err.Metadata()["escrow_id"] != "0xabc" {
		t.Fatalf("metadata not applied: %v", err.Metadata())
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if CodeOf(stderrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors must map to the unknown code")
	}
	if CodeOf(nil) != CodeUnknown {
		t.Fatalf("nil must map to the unknown code")
	}
}
