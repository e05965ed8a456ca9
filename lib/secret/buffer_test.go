// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNewFromBytes(t *testing.T) {
	source := []byte("hunter2")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), []byte("hunter2")) {
		t.Errorf("buffer contents mismatch: %q", buffer.Bytes())
	}

	// The source slice must be zeroed so the caller's copy no longer
	// holds the secret.
	for i, b := range source {
		if b != 0 {
			t.Errorf("source byte %d not zeroed: %d", i, b)
		}
	}
}

func TestNewFromString(t *testing.T) {
	buffer, err := NewFromString("syt_token")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	defer buffer.Close()

	if buffer.String() != "syt_token" {
		t.Errorf("unexpected buffer string: %q", buffer.String())
	}
	if buffer.Len() != len("syt_token") {
		t.Errorf("unexpected length: %d", buffer.Len())
	}
}

func TestEmptyInputs(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) should fail")
	}
	if _, err := NewFromBytes(nil); err == nil {
		t.Error("NewFromBytes(nil) should fail")
	}
	if _, err := NewFromString(""); err == nil {
		t.Error("NewFromString of empty string should fail")
	}
}

func TestCloseIdempotent(t *testing.T) {
	buffer, err := NewFromString("secret")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestReadAfterClosePanics(t *testing.T) {
	buffer, err := NewFromString("secret")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes after Close should panic")
		}
	}()
	buffer.Bytes()
}
