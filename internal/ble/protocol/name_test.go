package protocol

import "testing"

func TestParseDeviceName(t *testing.T) {
	tests := []struct {
		name string
		want Identity
	}{
		{
			name: "VSON#WP6810#000123",
			want: Identity{Name: "VSON#WP6810#000123", Manufacturer: "VSON", Model: "WP6810", Serial: "000123"},
		},
		{
			name: "VSON#WP6810",
			want: Identity{Name: "VSON#WP6810", Manufacturer: "VSON", Model: "WP6810", Serial: "unknown"},
		},
		{
			name: "VSON",
			want: Identity{Name: "VSON", Manufacturer: "VSON", Model: "unknown", Serial: "unknown"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseDeviceName(tt.name); got != tt.want {
				t.Errorf("ParseDeviceName(%q) = %+v, want %+v", tt.name, got, tt.want)
			}
		})
	}
}

func TestIsSupportedName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"VSON#WP6810#000000", true},
		{"VSON#WP6810", true},
		{"VSON#WP9999#000000", false},
		{"ToothPaste-S3", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSupportedName(tt.name); got != tt.want {
			t.Errorf("IsSupportedName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNewIdentityFallsBackToMACSerial(t *testing.T) {
	id := NewIdentity("20:c3:8f:da:96:de", "")
	if id.MAC != "20:C3:8F:DA:96:DE" {
		t.Errorf("MAC = %q, want upper-case", id.MAC)
	}
	if id.Serial != "20c38fda96de" {
		t.Errorf("Serial = %q, want %q", id.Serial, "20c38fda96de")
	}

	id = NewIdentity("20:C3:8F:DA:96:DE", "VSON#WP6810#004711")
	if id.Serial != "004711" || id.Model != "WP6810" {
		t.Errorf("identity = %+v, want model WP6810 serial 004711", id)
	}
}

func TestMACSerial(t *testing.T) {
	if got := MACSerial("20-C3-8F-DA-96-DE"); got != "20c38fda96de" {
		t.Errorf("MACSerial() = %q", got)
	}
}
