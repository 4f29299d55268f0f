package store

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/mesraekuiti/ozone-machine/internal/machine"
)

// Keys in the KV store. Identity keys survive CLEAR_MEMORY; the rest do not.
const (
	keyCounters   = "counters"
	keyResetEpoch = "reset_epoch"
	keyDeviceID   = "device_id"
	keyToken      = "token"
	keyWifiSSID   = "wifi_ssid"
	keyWifiPass   = "wifi_pass"
)

// Counter record layout: three big-endian u32 counters followed by a u16
// magic validity marker. A record without the marker (or with the wrong
// length) is treated as absent.
const (
	countersLen   = 14
	countersMagic = 0x1234
)

// Bounds for persisted strings; anything longer is truncated on save.
const (
	maxDeviceIDLen = 64
	maxTokenLen    = 128
	maxSSIDLen     = 32
	maxPassLen     = 64
)

// Device wraps a KV with the typed records the daemon persists. Corrupt or
// absent records degrade to zero values at load time; they never fail a boot.
type Device struct {
	kv KV
}

// NewDevice wraps the given KV store.
func NewDevice(kv KV) *Device {
	return &Device{kv: kv}
}

// SaveCounters persists the counters and the reset epoch.
// Implements machine.Persister.
func (d *Device) SaveCounters(c machine.Counters, resetEpoch uint32) error {
	buf := make([]byte, countersLen)
	binary.BigEndian.PutUint32(buf[0:], c.Basic)
	binary.BigEndian.PutUint32(buf[4:], c.Standard)
	binary.BigEndian.PutUint32(buf[8:], c.Premium)
	binary.BigEndian.PutUint16(buf[12:], countersMagic)
	if err := d.kv.Set(keyCounters, buf); err != nil {
		return fmt.Errorf("save counters: %w", err)
	}

	epoch := make([]byte, 4)
	binary.BigEndian.PutUint32(epoch, resetEpoch)
	if err := d.kv.Set(keyResetEpoch, epoch); err != nil {
		return fmt.Errorf("save reset epoch: %w", err)
	}
	return nil
}

// LoadCounters returns the persisted counters and reset epoch, or zeros when
// the stored record is absent or fails validation.
func (d *Device) LoadCounters() (machine.Counters, uint32) {
	var c machine.Counters

	buf, ok, err := d.kv.Get(keyCounters)
	if err != nil {
		log.Printf("store: load counters: %v", err)
	}
	if ok && len(buf) == countersLen && binary.BigEndian.Uint16(buf[12:]) == countersMagic {
		c.Basic = binary.BigEndian.Uint32(buf[0:])
		c.Standard = binary.BigEndian.Uint32(buf[4:])
		c.Premium = binary.BigEndian.Uint32(buf[8:])
	} else if ok {
		log.Printf("store: counters record invalid (%d bytes), starting from zero", len(buf))
	}

	var epoch uint32
	if buf, ok, err := d.kv.Get(keyResetEpoch); err == nil && ok && len(buf) == 4 {
		epoch = binary.BigEndian.Uint32(buf)
	}
	return c, epoch
}

// Identity is the device id and bearer token issued by the handshake.
type Identity struct {
	DeviceID string
	Token    string
}

// SaveIdentity persists the identity, truncated to the storage bounds.
func (d *Device) SaveIdentity(id Identity) error {
	if err := d.kv.Set(keyDeviceID, []byte(truncate(id.DeviceID, maxDeviceIDLen))); err != nil {
		return fmt.Errorf("save device id: %w", err)
	}
	if err := d.kv.Set(keyToken, []byte(truncate(id.Token, maxTokenLen))); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// LoadIdentity returns the persisted identity; fields are empty when unset.
func (d *Device) LoadIdentity() Identity {
	var id Identity
	if v, ok, err := d.kv.Get(keyDeviceID); err == nil && ok {
		id.DeviceID = printable(string(v))
	}
	if v, ok, err := d.kv.Get(keyToken); err == nil && ok {
		id.Token = printable(string(v))
	}
	return id
}

// SaveWifiCredentials persists the network credentials for the provisioning
// collaborator, truncated to the storage bounds.
func (d *Device) SaveWifiCredentials(ssid, pass string) error {
	if err := d.kv.Set(keyWifiSSID, []byte(truncate(ssid, maxSSIDLen))); err != nil {
		return fmt.Errorf("save ssid: %w", err)
	}
	if err := d.kv.Set(keyWifiPass, []byte(truncate(pass, maxPassLen))); err != nil {
		return fmt.Errorf("save wifi password: %w", err)
	}
	return nil
}

// LoadWifiCredentials returns the persisted network credentials.
func (d *Device) LoadWifiCredentials() (ssid, pass string) {
	if v, ok, err := d.kv.Get(keyWifiSSID); err == nil && ok {
		ssid = printable(string(v))
	}
	if v, ok, err := d.kv.Get(keyWifiPass); err == nil && ok {
		pass = printable(string(v))
	}
	return ssid, pass
}

// ClearMemory deletes all persisted state except the device identity
// (CLEAR_MEMORY command semantics).
func (d *Device) ClearMemory() error {
	for _, key := range []string{keyCounters, keyResetEpoch, keyWifiSSID, keyWifiPass} {
		if err := d.kv.Delete(key); err != nil {
			return fmt.Errorf("clear %s: %w", key, err)
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// printable strips non-printable bytes that a corrupted record may contain.
func printable(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= 32 && s[i] <= 126 {
			out = append(out, s[i])
		}
	}
	return string(out)
}
