package device

import "strings"

// sigBaseSuffix is the tail shared by every UUID derived from the Bluetooth
// SIG base UUID 0000xxxx-0000-1000-8000-00805f9b34fb.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID to the form Advertisement.ServiceData is keyed
// by: lower-case hex without dashes or a 0x prefix. SIG-assigned UUIDs, given
// in 32-bit or full 128-bit form, are reduced to their 16-bit short form
// ("0000181a-0000-1000-8000-00805f9b34fb" -> "181a").
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	switch {
	case len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix):
		return s[4:8]
	case len(s) == 8 && strings.HasPrefix(s, "0000"):
		return s[4:]
	}
	return s
}
