package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/courier/id"
)

func TestConstructorsCarryPrefix(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
		prefix  string
	}{
		{"job", id.NewJobID, id.ParseJobID, "job_"},
		{"event", id.NewEventID, id.ParseEventID, "evt_"},
		{"instance", id.NewInstanceID, id.ParseInstanceID, "inst_"},
		{"connection", id.NewConnectionID, id.ParseConnectionID, "conn_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn()
			if !strings.HasPrefix(got.String(), tt.prefix) {
				t.Fatalf("got %q, want prefix %q", got, tt.prefix)
			}
			parsed, err := tt.parseFn(got.String())
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if parsed.String() != got.String() {
				t.Errorf("got %q, want %q", parsed, got)
			}
		})
	}
}

func TestParseRejectsWrongPrefix(t *testing.T) {
	if _, err := id.ParseJobID(id.NewEventID().String()); err == nil {
		t.Error("ParseJobID accepted an event id")
	}
	if _, err := id.ParseInstanceID(id.NewJobID().String()); err == nil {
		t.Error("ParseInstanceID accepted a job id")
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNil(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero value should be nil")
	}
	if i.String() != "" || i.Prefix() != "" {
		t.Errorf("got %q/%q, want empty", i.String(), i.Prefix())
	}
	v, err := i.Value()
	if err != nil || v != nil {
		t.Errorf("Value() = %v, %v; want nil, nil", v, err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		ID id.ID `json:"id"`
	}
	in := wrapper{ID: id.NewJobID()}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out wrapper
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID.String() != in.ID.String() {
		t.Errorf("got %q, want %q", out.ID, in.ID)
	}
}

func TestScan(t *testing.T) {
	orig := id.NewInstanceID()
	var a, b, c id.ID
	if err := a.Scan(orig.String()); err != nil {
		t.Fatalf("scan string: %v", err)
	}
	if err := b.Scan([]byte(orig.String())); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}
	if err := c.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if a.String() != orig.String() || b.String() != orig.String() {
		t.Errorf("got %q and %q, want %q", a, b, orig)
	}
	if !c.IsNil() {
		t.Error("scan(nil) should yield Nil")
	}
	if err := c.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestUniqueness(t *testing.T) {
	if id.NewJobID().String() == id.NewJobID().String() {
		t.Error("consecutive ids collided")
	}
}
