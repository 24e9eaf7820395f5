package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/myolink/internal/device"
	"github.com/srg/myolink/pkg/myo"
)

var propertyNames = []struct {
	flag ble.Property
	name string
}{
	{ble.CharBroadcast, "Broadcast"},
	{ble.CharRead, "Read"},
	{ble.CharWriteNR, "WriteWithoutResponse"},
	{ble.CharWrite, "Write"},
	{ble.CharNotify, "Notify"},
	{ble.CharIndicate, "Indicate"},
	{ble.CharSignedWrite, "AuthenticatedSignedWrites"},
	{ble.CharExtended, "ExtendedProperties"},
}

// PropertyNames returns the human-readable names of the flags set in p.
func PropertyNames(p ble.Property) []string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.flag != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

func charKey(service, char ble.UUID) string {
	return device.NormalizeUUID(service.String()) + "/" + device.NormalizeUUID(char.String())
}

// indexProfile maps service/characteristic keys to the live characteristics.
func indexProfile(p *ble.Profile) map[string]*ble.Characteristic {
	chars := make(map[string]*ble.Characteristic)
	if p == nil {
		return chars
	}
	for _, s := range p.Services {
		for _, c := range s.Characteristics {
			chars[charKey(s.UUID, c.UUID)] = c
		}
	}
	return chars
}

// servicesFromProfile converts a discovered profile into the core's view of it.
func servicesFromProfile(p *ble.Profile) []myo.ServiceInfo {
	if p == nil {
		return nil
	}
	services := make([]myo.ServiceInfo, 0, len(p.Services))
	for _, s := range p.Services {
		info := myo.ServiceInfo{UUID: s.UUID}
		for _, c := range s.Characteristics {
			info.Characteristics = append(info.Characteristics, myo.CharacteristicInfo{
				UUID:            c.UUID,
				Properties:      c.Property,
				HasClientConfig: hasClientConfig(c),
			})
		}
		services = append(services, info)
	}
	return services
}

func hasClientConfig(c *ble.Characteristic) bool {
	if c.CCCD != nil {
		return true
	}
	for _, d := range c.Descriptors {
		if d.UUID.Equal(ble.ClientCharacteristicConfigUUID) {
			return true
		}
	}
	return false
}
