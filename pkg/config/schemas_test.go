package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_BuiltIns(t *testing.T) {
	sr := NewSchemaRegistry()

	names := sr.ListSchemas()
	if len(names) != 3 {
		t.Errorf("expected 3 builtin schemas, got %d: %v", len(names), names)
	}

	for _, name := range []string{"task", "batch", "config"} {
		if _, ok := sr.GetSchema(name); !ok {
			t.Errorf("schema %s not registered", name)
		}
	}

	if _, ok := sr.GetSchema("resource"); ok {
		t.Error("unexpected schema 'resource'")
	}
}

func TestSchemaRegistry_ValidateTask(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		task    TaskDefinition
		wantErr bool
	}{
		{
			name: "valid task",
			task: TaskDefinition{
				Key:       "charge_retry",
				Lane:      "payments",
				Goal:      "add retry to charge flow",
				Archetype: "LOGIC",
				Priority:  "high",
				SourceIDs: []string{"DR-PCI-01"},
			},
			wantErr: false,
		},
		{
			name: "minimal task",
			task: TaskDefinition{
				Goal:      "tidy the build scripts",
				Archetype: "PLUMBING",
			},
			wantErr: false,
		},
		{
			name: "lane family accepted",
			task: TaskDefinition{
				Lane:      "backend:billing",
				Goal:      "split invoice writes",
				Archetype: "DB",
			},
			wantErr: false,
		},
		{
			name: "bad archetype",
			task: TaskDefinition{
				Goal:      "do something",
				Archetype: "CHORE",
			},
			wantErr: true,
		},
		{
			name: "uppercase lane",
			task: TaskDefinition{
				Lane:      "Payments",
				Goal:      "do something",
				Archetype: "LOGIC",
			},
			wantErr: true,
		},
		{
			name: "empty goal",
			task: TaskDefinition{
				Goal:      "",
				Archetype: "LOGIC",
			},
			wantErr: true,
		},
		{
			name: "empty source id",
			task: TaskDefinition{
				Goal:      "do something",
				Archetype: "LOGIC",
				SourceIDs: []string{""},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateTask(ctx, tt.task)
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSchemaRegistry_ClosedSchemas(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	// Definitions are closed, so a misspelled field is an error rather
	// than silently ignored.
	data := map[string]interface{}{
		"goal":      "do something",
		"archetype": "LOGIC",
		"pritority": "high",
	}

	if err := sr.ValidateAgainstSchema(ctx, "task", data); err == nil {
		t.Error("expected a closedness error for the misspelled field")
	}
}

func TestSchemaRegistry_ValidateBatchMeta(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	ok := BatchMeta{Name: "pci sweep", Lane: "payments", Requester: "maya"}
	if err := sr.ValidateBatchMeta(ctx, ok); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := BatchMeta{Lane: "Payments"}
	if err := sr.ValidateBatchMeta(ctx, bad); err == nil {
		t.Error("expected an error for an uppercase lane")
	}
}

func TestSchemaRegistry_ValidateConfig(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	if err := sr.ValidateConfig(ctx, *DefaultConfig()); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestSchemaRegistry_Register(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("custom", `#Custom: {name: string}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sr.GetSchema("custom"); !ok {
		t.Error("custom schema not registered")
	}

	if err := sr.RegisterSchema("broken", `#Broken: {name: !!}`); err == nil {
		t.Error("expected a compile error")
	}

	if err := sr.ValidateAgainstSchema(context.Background(), "missing", nil); err == nil {
		t.Error("expected an unknown-schema error")
	}
}
