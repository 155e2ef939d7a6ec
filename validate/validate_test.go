package validate_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/xraph/courier"
	"github.com/xraph/courier/validate"
)

type body struct {
	Action string `json:"action" validate:"required,oneof=add remove"`
	UserID string `json:"user_id" validate:"required"`
	Email  string `json:"email,omitempty" validate:"omitempty,email"`
	Limit  int    `json:"limit,omitempty" validate:"min=0,max=10"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name string
		in   body
		want string
	}{
		{"valid", body{Action: "add", UserID: "u1"}, ""},
		{"missing field uses json name", body{Action: "add"}, "user_id is required"},
		{"enum", body{Action: "drop", UserID: "u1"}, `action must be one of [add remove], got "drop"`},
		{"email", body{Action: "add", UserID: "u1", Email: "nope"}, `email "nope" is not an email address`},
		{"max", body{Action: "add", UserID: "u1", Limit: 11}, "limit exceeds 10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate.Struct(tt.in)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("got %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, courier.ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %q, want it to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestStructRejectsNonStruct(t *testing.T) {
	if err := validate.Struct(42); !errors.Is(err, courier.ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}
