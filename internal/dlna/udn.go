package dlna

import "github.com/google/uuid"

// namespace roots every device's UDN in a fixed, private namespace, so the
// same device_id always hashes to the same UUID regardless of host.
var namespace = uuid.MustParse("6f6e6169-7270-6c61-7900-646c6e610001")

// DeviceUDN derives a stable UPnP UDN from a device id via uuid.NewSHA1,
// so a Virtual Device that survives a restart (same device_id) keeps the
// same, unique UDN across restarts.
func DeviceUDN(deviceID string) string {
	return "uuid:" + uuid.NewSHA1(namespace, []byte(deviceID)).String()
}
