// Package env derives the identity of the device running an endpoint.
package env

import (
	"encoding/binary"
	"fmt"

	"github.com/denisbrodbeck/machineid"
	"lukechampine.com/blake3"
)

// AppID keys the machine id hash so the device id is not the raw
// machine id.
const AppID = "linkstack"

// MachineID retrieves the unique ID identifying the machine.
func MachineID() (string, error) {
	return machineid.ProtectedID(AppID)
}

// DeviceID derives a non-zero 32-bit link id from the machine id.
func DeviceID() (uint32, error) {
	id, err := MachineID()
	if err != nil {
		return 0, fmt.Errorf("machine id: %w", err)
	}
	return DeviceIDFrom(id), nil
}

// DeviceIDFrom derives the link id from a machine id string.
func DeviceIDFrom(machineID string) uint32 {
	sum := blake3.Sum256([]byte(machineID))
	if id := binary.BigEndian.Uint32(sum[:4]); id != 0 {
		return id
	}
	return 1
}
