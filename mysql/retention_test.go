package mysql

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func TestNewRetentionMaintainerDefaults(t *testing.T) {
	db := &sql.DB{}
	maintainer, err := NewRetentionMaintainer(db, RetentionMaintainerConfig{
		TablePrefix: "batchoutbox",
		Retention:   24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("expected maintainer, got %v", err)
	}
	if maintainer.cfg.CheckEvery != defaultRetentionEvery {
		t.Fatalf("expected default check interval")
	}
	if maintainer.cfg.Limit != defaultRetentionLimit {
		t.Fatalf("expected default limit")
	}
	if maintainer.cfg.LockName != "batchoutbox:retention:batchoutbox" {
		t.Fatalf("unexpected lock name %q", maintainer.cfg.LockName)
	}
}

func TestNewRetentionMaintainerValidation(t *testing.T) {
	db := &sql.DB{}
	if _, err := NewRetentionMaintainer(nil, RetentionMaintainerConfig{Retention: time.Hour}); !errors.Is(err, ErrDBRequired) {
		t.Fatalf("expected ErrDBRequired, got %v", err)
	}
	if _, err := NewRetentionMaintainer(db, RetentionMaintainerConfig{Retention: 0}); !errors.Is(err, ErrRetentionInvalid) {
		t.Fatalf("expected ErrRetentionInvalid, got %v", err)
	}
	if _, err := NewRetentionMaintainer(db, RetentionMaintainerConfig{Retention: time.Hour, Limit: -1}); !errors.Is(err, ErrRetentionLimitInvalid) {
		t.Fatalf("expected ErrRetentionLimitInvalid, got %v", err)
	}
}

func TestPurgeValidation(t *testing.T) {
	store := MustNewStore(&sql.DB{})
	if _, err := store.Purge(context.Background(), RetentionOptions{}); !errors.Is(err, ErrRetentionBeforeRequired) {
		t.Fatalf("expected ErrRetentionBeforeRequired, got %v", err)
	}
	if _, err := store.Purge(context.Background(), RetentionOptions{Before: time.Now(), Limit: -1}); !errors.Is(err, ErrRetentionLimitInvalid) {
		t.Fatalf("expected ErrRetentionLimitInvalid, got %v", err)
	}
}
