// Package testutil holds helpers shared by recbridge tests.
package testutil

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertErrorIs fails the test unless errors.Is(err, target).
func AssertErrorIs(t *testing.T, err, target error, msg string) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("%s: error %v is not %v", msg, err, target)
	}
}

// AssertErrorContains checks if an error contains a specific substring.
func AssertErrorContains(t *testing.T, err error, substr string, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected an error but got nil", msg)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("%s: error %q does not contain %q", msg, err.Error(), substr)
	}
}

// AssertJSONContainsKey checks if a JSON object contains key.
func AssertJSONContainsKey(t *testing.T, data []byte, key string, msg string) {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("%s: invalid JSON: %v", msg, err)
	}
	if _, ok := result[key]; !ok {
		t.Fatalf("%s: JSON does not contain key %q", msg, key)
	}
}

// Eventually polls condition every 5ms until it holds or timeout expires.
func Eventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: condition not met within %v", msg, timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Never fails the test if condition becomes true within d.
func Never(t *testing.T, d time.Duration, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if condition() {
			t.Fatalf("%s: condition became true", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
