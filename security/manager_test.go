package security

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/store/memory"
)

func newTestManager(t *testing.T, keys map[int][]byte, store core.SecretStore) *SecretManager {
	t.Helper()
	vault, err := NewVault(keys)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	manager, err := NewSecretManager(vault, store)
	if err != nil {
		t.Fatalf("new secret manager: %v", err)
	}
	return manager
}

func TestSecretManagerPutGetDelete(t *testing.T) {
	store := memory.NewSecretStore()
	manager := newTestManager(t, map[int][]byte{1: testKey(1)}, store)
	ctx := context.Background()

	info, err := manager.Put(ctx, PutSecretInput{TenantID: "t1", IntegrationID: "i1", Key: "webhook_secret", Value: "shh"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.KeyVersion != 1 || info.Key != "webhook_secret" {
		t.Fatalf("unexpected key info %#v", info)
	}
	record, err := store.Get(ctx, "t1", "i1", "webhook_secret")
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if string(record.Ciphertext) == "shh" {
		t.Fatalf("expected ciphertext at rest")
	}

	value, err := manager.Get(ctx, "t1", "i1", "webhook_secret")
	if err != nil || value != "shh" {
		t.Fatalf("expected plaintext back, got %q err=%v", value, err)
	}
	if _, err := manager.Get(ctx, "t2", "i1", "webhook_secret"); !errors.Is(err, core.ErrSecretMissing) {
		t.Fatalf("expected secrets to be tenant scoped, got %v", err)
	}

	keys, err := manager.ListKeys(ctx, "t1", "i1")
	if err != nil || len(keys) != 1 {
		t.Fatalf("expected one listed key, got %#v err=%v", keys, err)
	}

	if err := manager.Delete(ctx, "t1", "i1", "webhook_secret"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := manager.Get(ctx, "t1", "i1", "webhook_secret"); !errors.Is(err, core.ErrSecretMissing) {
		t.Fatalf("expected secret missing after delete, got %v", err)
	}
}

func TestSecretManagerValidatesScope(t *testing.T) {
	manager := newTestManager(t, map[int][]byte{1: testKey(1)}, memory.NewSecretStore())
	_, err := manager.Put(context.Background(), PutSecretInput{TenantID: "t1", Key: "k", Value: "v"})
	if !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSecretManagerReencryptAll(t *testing.T) {
	store := memory.NewSecretStore()
	ctx := context.Background()
	old := newTestManager(t, map[int][]byte{1: testKey(1)}, store)
	for _, key := range []string{"a", "b"} {
		if _, err := old.Put(ctx, PutSecretInput{TenantID: "t1", IntegrationID: "i1", Key: key, Value: "value-" + key}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	rotated := newTestManager(t, map[int][]byte{1: testKey(1), 2: testKey(2)}, store)
	result, err := rotated.ReencryptAll(ctx, "t1", "i1")
	if err != nil {
		t.Fatalf("reencrypt all: %v", err)
	}
	if result.Rotated != 2 || result.Skipped != 0 {
		t.Fatalf("expected two rotated secrets, got %#v", result)
	}
	record, _ := store.Get(ctx, "t1", "i1", "a")
	if record.KeyVersion != 2 {
		t.Fatalf("expected version 2 after rotation, got %d", record.KeyVersion)
	}
	value, err := rotated.Get(ctx, "t1", "i1", "b")
	if err != nil || value != "value-b" {
		t.Fatalf("expected rotated secret to decrypt, got %q err=%v", value, err)
	}
	again, _ := rotated.ReencryptAll(ctx, "t1", "i1")
	if again.Rotated != 0 || again.Skipped != 2 {
		t.Fatalf("expected second pass to skip, got %#v", again)
	}
}
