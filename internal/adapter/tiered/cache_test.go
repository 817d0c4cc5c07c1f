package tiered_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelitosystems/tenancy/internal/adapter/tiered"
)

// fakeLevel is an in-memory cache level with optional write failures.
type fakeLevel struct {
	data   map[string][]byte
	setErr error
	delErr error
}

func newFakeLevel() *fakeLevel {
	return &fakeLevel{data: make(map[string][]byte)}
}

func (l *fakeLevel) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := l.data[key]
	return v, ok, nil
}

func (l *fakeLevel) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if l.setErr != nil {
		return l.setErr
	}
	l.data[key] = value
	return nil
}

func (l *fakeLevel) Delete(_ context.Context, key string) error {
	if l.delErr != nil {
		return l.delErr
	}
	delete(l.data, key)
	return nil
}

const resolutionKey = "tenancy:tenant:domain:acme.dental.test"

var resolutionVal = []byte(`{"id":"t1","slug":"acme"}`)

func TestGetPrefersLocalLevel(t *testing.T) {
	local, shared := newFakeLevel(), newFakeLevel()
	local.data[resolutionKey] = resolutionVal
	shared.data[resolutionKey] = []byte("stale")

	c := tiered.New(local, shared, 5*time.Minute)
	val, ok, err := c.Get(context.Background(), resolutionKey)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(val) != string(resolutionVal) {
		t.Fatalf("expected local value, got ok=%v val=%s", ok, val)
	}
}

func TestGetBackfillsLocalFromShared(t *testing.T) {
	local, shared := newFakeLevel(), newFakeLevel()
	shared.data[resolutionKey] = resolutionVal

	c := tiered.New(local, shared, 5*time.Minute)
	val, ok, err := c.Get(context.Background(), resolutionKey)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(val) != string(resolutionVal) {
		t.Fatalf("expected shared hit, got ok=%v val=%s", ok, val)
	}
	if got, ok := local.data[resolutionKey]; !ok || string(got) != string(resolutionVal) {
		t.Fatalf("local level not backfilled: %s", got)
	}
}

func TestGetMissesBothLevels(t *testing.T) {
	c := tiered.New(newFakeLevel(), newFakeLevel(), 5*time.Minute)

	_, ok, err := c.Get(context.Background(), "tenancy:tenant:domain:ghost.test")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestSetReachesBothLevels(t *testing.T) {
	local, shared := newFakeLevel(), newFakeLevel()
	c := tiered.New(local, shared, 5*time.Minute)

	if err := c.Set(context.Background(), resolutionKey, resolutionVal, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, ok := local.data[resolutionKey]; !ok {
		t.Fatal("value missing from local level")
	}
	if _, ok := shared.data[resolutionKey]; !ok {
		t.Fatal("value missing from shared level")
	}
}

func TestSetSharedFailureLeavesLocalUntouched(t *testing.T) {
	local, shared := newFakeLevel(), newFakeLevel()
	shared.setErr = errors.New("kv put: timeout")
	c := tiered.New(local, shared, 5*time.Minute)

	if err := c.Set(context.Background(), resolutionKey, resolutionVal, time.Minute); err == nil {
		t.Fatal("expected shared write failure to surface")
	}
	if _, ok := local.data[resolutionKey]; ok {
		t.Fatal("local level must not hold a value the shared level rejected")
	}
}

func TestDeleteClearsBothLevels(t *testing.T) {
	local, shared := newFakeLevel(), newFakeLevel()
	local.data[resolutionKey] = resolutionVal
	shared.data[resolutionKey] = resolutionVal

	c := tiered.New(local, shared, 5*time.Minute)
	if err := c.Delete(context.Background(), resolutionKey); err != nil {
		t.Fatal(err)
	}
	if _, ok := local.data[resolutionKey]; ok {
		t.Fatal("key survived in local level")
	}
	if _, ok := shared.data[resolutionKey]; ok {
		t.Fatal("key survived in shared level")
	}
}

func TestDeleteAttemptsSharedWhenLocalFails(t *testing.T) {
	local, shared := newFakeLevel(), newFakeLevel()
	local.delErr = errors.New("local delete failed")
	shared.data[resolutionKey] = resolutionVal

	c := tiered.New(local, shared, 5*time.Minute)
	if err := c.Delete(context.Background(), resolutionKey); err == nil {
		t.Fatal("expected the local failure to surface")
	}
	if _, ok := shared.data[resolutionKey]; ok {
		t.Fatal("shared level must still be invalidated")
	}
}
