//go:build !darwin

package main

const (
	exampleDeviceAddress = "C8:2F:8A:11:22:33"
	deviceAddressNote    = "Device address format: MAC address, case-insensitive\n  Example: C8:2F:8A:11:22:33"
)
