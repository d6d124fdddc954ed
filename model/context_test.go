package model

import (
	"context"
	"testing"
	"time"
)

func TestExecutionContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ectx    ExecutionContext
		wantErr bool
	}{
		{
			name:    "valid",
			ectx:    ExecutionContext{TenantID: "t1", CorrelationID: "c1"},
			wantErr: false,
		},
		{
			name:    "missing tenant",
			ectx:    ExecutionContext{CorrelationID: "c1"},
			wantErr: true,
		},
		{
			name:    "missing correlation",
			ectx:    ExecutionContext{TenantID: "t1"},
			wantErr: true,
		},
		{
			name:    "missing both",
			ectx:    ExecutionContext{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ectx.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecutionContext_Now_injectedClock(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	ectx := &ExecutionContext{TenantID: "t1", CorrelationID: "c1", Clock: FixedClock{T: fixed}}
	if got := ectx.Now(); !got.Equal(fixed) {
		t.Errorf("Now() = %v, want %v", got, fixed)
	}
}

func TestExecutionContext_Now_fallback(t *testing.T) {
	ectx := &ExecutionContext{TenantID: "t1", CorrelationID: "c1"}
	before := time.Now().UTC().Add(-time.Minute)
	if got := ectx.Now(); got.Before(before) {
		t.Errorf("Now() without clock returned stale time %v", got)
	}
}

func TestExecutionContextRoundTrip(t *testing.T) {
	ectx := &ExecutionContext{TenantID: "t1", CorrelationID: "c1", CallerID: "alice"}
	ctx := WithExecutionContext(context.Background(), ectx)

	got := ExecutionContextFrom(ctx)
	if got != ectx {
		t.Errorf("ExecutionContextFrom returned %v, want %v", got, ectx)
	}
}

func TestExecutionContextFrom_missing(t *testing.T) {
	if got := ExecutionContextFrom(context.Background()); got != nil {
		t.Errorf("ExecutionContextFrom(empty) = %v, want nil", got)
	}
}

func TestMustExecutionContext_panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustExecutionContext should panic without a context")
		}
	}()
	MustExecutionContext(context.Background())
}
