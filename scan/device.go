package scan

import (
	"context"
	"net"
	"strings"

	"github.com/google/gopacket/macs"
	"github.com/mostlygeek/arp"
	log "github.com/sirupsen/logrus"
)

const emptyMAC = "00:00:00:00:00:00"

// Device holds what can be learned about a target without probing it.
type Device struct {
	MAC          string
	Manufacturer string
	Name         string
}

func (d Device) IsZero() bool {
	return d.MAC == "" && d.Name == ""
}

var arpSearch = arp.Search

// LookupDevice is best effort: the MAC is only known for targets in the local
// ARP cache, and the name only when a PTR record exists.
func LookupDevice(ctx context.Context, t Target) Device {
	var d Device

	if macStr := arpSearch(t.IP.String()); macStr != "" && macStr != emptyMAC {
		if mac, err := net.ParseMAC(macStr); err == nil {
			d.MAC = mac.String()
			d.Manufacturer = manufacturer(mac)
		}
	}

	names, err := net.DefaultResolver.LookupAddr(ctx, t.IP.String())
	if err != nil {
		log.Debugf("Reverse lookup for %s failed: %s", t.IP, err)
	} else if len(names) > 0 {
		d.Name = strings.TrimSuffix(names[0], ".")
	}

	return d
}

func manufacturer(mac net.HardwareAddr) string {
	if len(mac) < 3 {
		return ""
	}
	prefix := [3]byte{
		mac[0],
		mac[1],
		mac[2],
	}
	return macs.ValidMACPrefixMap[prefix]
}
