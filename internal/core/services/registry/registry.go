// Package registry identifies devices from (IP, MAC) observations and ARP
// announcements, infers vendor and type, and keeps last-seen fresh.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
	"github.com/lcalzada-xor/netinsight/internal/core/ports"
)

// ouiVendors maps 3-byte MAC prefixes to vendors. A handful of prefixes is
// enough for lab and home networks; everything else reports "Unknown".
var ouiVendors = map[string]string{
	"00:50:56": "VMware",
	"00:0C:29": "VMware",
	"00:05:69": "VMware",
	"08:00:27": "VirtualBox",
	"52:54:00": "QEMU",
	"B8:27:EB": "Raspberry Pi",
	"DC:A6:32": "Raspberry Pi",
	"E4:5F:01": "Raspberry Pi",
	"28:CD:C1": "Raspberry Pi",
	"D8:3A:DD": "Raspberry Pi",
}

// raspberryPiOUIs are the prefixes treated as always-on hosts for the type
// heuristic.
var raspberryPiOUIs = []string{"B8:27:EB", "DC:A6:32", "E4:5F:01", "28:CD:C1", "D8:3A:DD"}

// Registry implements ports.DeviceRegistry backed by the store.
type Registry struct {
	storage  ports.Storage
	notifier ports.Notifier
	resolver ports.Identifier // optional, for hostname-based naming
	logger   *slog.Logger
}

// New builds a Registry. resolver may be nil; naming then falls back to
// vendor and IP heuristics.
func New(storage ports.Storage, notifier ports.Notifier, resolver ports.Identifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		storage:  storage,
		notifier: notifier,
		resolver: resolver,
		logger:   logger,
	}
}

// GetOrCreate finds the device for an (ip, mac) observation, creating and
// persisting one on first sight. MAC is the preferred key; without it the
// lookup falls back to IP so routed traffic does not mint a device per flow.
func (r *Registry) GetOrCreate(ctx context.Context, ip, mac string) (domain.Device, error) {
	var existing *domain.Device
	var err error

	if mac != "" && mac != domain.UnknownMAC {
		existing, err = r.storage.GetDeviceByMAC(ctx, mac)
	} else {
		existing, err = r.storage.GetDeviceByIP(ctx, ip)
	}
	if err != nil {
		return domain.Device{}, fmt.Errorf("device lookup: %w", err)
	}

	if existing != nil {
		existing.LastSeen = time.Now().UnixMilli()
		if existing.IP != ip && ip != "" {
			existing.IP = ip // DHCP renumbering
		}
		if err := r.storage.SaveDevice(ctx, *existing); err != nil {
			return domain.Device{}, fmt.Errorf("device update: %w", err)
		}
		r.publish(*existing)
		return *existing, nil
	}

	device := r.newDevice(ctx, ip, mac)
	if err := r.storage.SaveDevice(ctx, device); err != nil {
		return domain.Device{}, fmt.Errorf("device create: %w", err)
	}
	r.logger.Info("new device discovered", "name", device.Name, "ip", device.IP, "mac", device.MAC)
	r.publish(device)
	return device, nil
}

// ProcessARP handles an ARP observation. Requests are ignored; a reply is a
// device announcing its IP and MAC.
func (r *Registry) ProcessARP(ctx context.Context, arp domain.ARPObservation) error {
	if arp.Opcode != 2 {
		return nil
	}
	_, err := r.GetOrCreate(ctx, arp.SenderIP, arp.SenderMAC)
	return err
}

// RecordFlow folds a finalized flow into the device's running totals and
// its seen-applications list.
func (r *Registry) RecordFlow(ctx context.Context, deviceID string, bytes int64, application string) error {
	if deviceID == "" {
		return nil
	}
	device, err := r.storage.GetDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("device lookup: %w", err)
	}
	if device == nil {
		return nil
	}

	device.BytesTotal += bytes
	device.ConnectionsCount++
	if application != "" && !contains(device.Applications, application) {
		device.Applications = append(device.Applications, application)
	}
	if err := r.storage.SaveDevice(ctx, *device); err != nil {
		return fmt.Errorf("device update: %w", err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *Registry) newDevice(ctx context.Context, ip, mac string) domain.Device {
	now := time.Now().UnixMilli()

	vendor := detectVendor(mac)
	devType := detectType(ip, mac)

	if mac == "" {
		mac = domain.UnknownMAC
	}

	return domain.Device{
		ID:         uuid.New().String(),
		Name:       r.deviceName(ctx, ip, vendor, devType),
		IP:         ip,
		MAC:        mac,
		Type:       devType,
		Vendor:     vendor,
		FirstSeen:  now,
		LastSeen:   now,
		Behavioral: domain.NewBehavioralProfile(),
	}
}

// deviceName prefers the reverse DNS label, then "<Vendor> <Type>", then a
// generic name from the last IP octet.
func (r *Registry) deviceName(ctx context.Context, ip, vendor string, devType domain.DeviceType) string {
	if r.resolver != nil {
		if hostname, err := r.resolver.ReverseDNS(ctx, ip); err == nil && hostname != "" && hostname != ip {
			if label, _, found := strings.Cut(hostname, "."); found {
				return label
			}
			return hostname
		}
	}
	if vendor != "Unknown" {
		return fmt.Sprintf("%s %s", vendor, titleCase(string(devType)))
	}
	octet := ip
	if idx := strings.LastIndexByte(ip, '.'); idx != -1 {
		octet = ip[idx+1:]
	}
	return "Device " + octet
}

func detectVendor(mac string) string {
	if mac == "" || mac == domain.UnknownMAC {
		return "Unknown"
	}
	prefix := strings.ToUpper(mac)
	if len(prefix) >= 8 {
		prefix = prefix[:8]
	}
	if vendor, ok := ouiVendors[prefix]; ok {
		return vendor
	}
	return "Unknown"
}

func detectType(ip, mac string) domain.DeviceType {
	// Gateways and routers conventionally take the .1 address.
	if strings.HasSuffix(ip, ".1") {
		return domain.DeviceServer
	}
	if mac != "" {
		prefix := strings.ToUpper(mac)
		for _, pi := range raspberryPiOUIs {
			if strings.HasPrefix(prefix, pi) {
				return domain.DeviceServer
			}
		}
	}
	return domain.DeviceUnknown
}

func (r *Registry) publish(d domain.Device) {
	if r.notifier != nil {
		r.notifier.Publish(domain.DeviceEvent(d))
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var _ ports.DeviceRegistry = (*Registry)(nil)
