package homeassistant

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/Shiu/dynamic-presence/internal/models/domain"
)

func Test_Domain(t *testing.T) {
	tests := []struct {
		name string
		eID  EntityID
		want domain.Domain
	}{
		{
			name: "valid entity id",
			eID:  MustEntityID("binary_sensor.motion_sensor_158d00022367f9"),
			want: domain.BinarySensor,
		},
		{
			name: "valid entity id with 'subdomain'",
			eID:  MustEntityID("light.living_room.hue"),
			want: domain.Light,
		},
		{
			name: "entity id without valid domain",
			eID:  EntityID{ID: "basement.living_room"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.eID.Domain(); got != tt.want {
				t.Errorf("homeassistant.EntityID.Domain() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_NewEntityID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "valid", raw: "light.kitchen"},
		{name: "empty", raw: "", wantErr: models.ErrEmptyEntityID},
		{name: "no dot", raw: "kitchen", wantErr: models.ErrInvalidEntityID},
		{name: "no name", raw: "light.", wantErr: models.ErrInvalidEntityID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewEntityID(tt.raw)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewEntityID(%q) error = %v, want %v", tt.raw, err, tt.wantErr)
			}

			if tt.wantErr == nil && got.String() != tt.raw {
				t.Errorf("NewEntityID(%q) = %v", tt.raw, got)
			}
		})
	}
}

func Test_EntityIDMapKeysMarshalAsText(t *testing.T) {
	in := map[EntityID]bool{MustEntityID("light.a"): true, MustEntityID("light.b"): false}

	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	if string(raw) != `{"light.a":true,"light.b":false}` {
		t.Errorf("unexpected json: %s", raw)
	}

	out := make(map[EntityID]bool)
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}

	if !out[MustEntityID("light.a")] || out[MustEntityID("light.b")] {
		t.Errorf("unexpected decoded map: %+v", out)
	}
}
