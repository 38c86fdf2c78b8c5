package main

import (
	"context"
	"testing"
	"time"

	"github.com/velmie/batchoutbox"
	"github.com/velmie/batchoutbox/mysql"
)

type countingEnsurer struct {
	calls int
}

func (e *countingEnsurer) Ensure(context.Context) (mysql.RetentionResult, error) {
	e.calls++
	return mysql.RetentionResult{}, nil
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    options
		wantErr bool
	}{
		{name: "valid interval", opts: options{dsn: "dsn", retention: time.Hour}},
		{name: "valid cron", opts: options{dsn: "dsn", retention: time.Hour, cron: "0 2 * * *"}},
		{name: "missing dsn", opts: options{retention: time.Hour}, wantErr: true},
		{name: "zero retention", opts: options{dsn: "dsn"}, wantErr: true},
		{name: "bad cron", opts: options{dsn: "dsn", retention: time.Hour, cron: "every night"}, wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.opts.validate()
			if test.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !test.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRunCronStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ensurer := &countingEnsurer{}
	done := make(chan error, 1)
	go func() {
		done <- runCron(ctx, "0 2 * * *", ensurer, batchoutbox.NopLogger{})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("runCron did not return after cancel")
	}
	if ensurer.calls != 0 {
		t.Fatalf("expected no runs, got %d", ensurer.calls)
	}
}
