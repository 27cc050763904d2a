package protocol

import (
	"strings"
)

// Device names advertise as MANUFACTURER#MODEL#SERIAL, e.g. VSON#WP6810#000000.
const nameSeparator = "#"

// SupportedPrefixes lists the MANUFACTURER#MODEL prefixes this driver speaks to.
var SupportedPrefixes = []string{
	"VSON#WP6810",
}

// Identity identifies one physical sensor. Serial is the stable label for
// downstream naming; the MAC may be randomised by the host stack.
type Identity struct {
	MAC          string
	Name         string
	Manufacturer string
	Model        string
	Serial       string
}

// ParseDeviceName splits an advertised name into its parts. Missing parts
// are reported as "unknown".
func ParseDeviceName(name string) Identity {
	parts := strings.SplitN(name, nameSeparator, 3)
	for len(parts) < 3 {
		parts = append(parts, "unknown")
	}
	return Identity{
		Name:         name,
		Manufacturer: parts[0],
		Model:        parts[1],
		Serial:       parts[2],
	}
}

// IsSupportedName reports whether name belongs to a supported model.
func IsSupportedName(name string) bool {
	if name == "" {
		return false
	}
	for _, prefix := range SupportedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// NewIdentity builds an identity for mac. When the advertised name is not
// known the serial falls back to the MAC without separators.
func NewIdentity(mac, name string) Identity {
	mac = strings.ToUpper(mac)
	if name == "" {
		return Identity{
			MAC:          mac,
			Manufacturer: "VSON",
			Model:        "unknown",
			Serial:       MACSerial(mac),
		}
	}
	id := ParseDeviceName(name)
	id.MAC = mac
	return id
}

// MACSerial returns mac lower-cased with ':' and '-' removed.
func MACSerial(mac string) string {
	r := strings.NewReplacer(":", "", "-", "")
	return strings.ToLower(r.Replace(mac))
}

func (id Identity) String() string {
	if id.Name != "" {
		return id.Name + " (" + id.MAC + ")"
	}
	return id.MAC
}
