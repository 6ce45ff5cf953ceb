package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FirstSeenLayout is used for firstSightingDate on newly created records.
const FirstSeenLayout = time.RFC3339

// Device is a configured block device node and its kernel name.
type Device struct {
	Node string `json:"node"`
	Name string `json:"name"`
}

// Identity is the hardware identity read for a device. Fingerprint is the
// persistence key; the remaining attributes are only set by the CID strategy.
type Identity struct {
	Fingerprint  string `json:"fingerprint"`
	Strategy     string `json:"strategy"`
	ManfID       string `json:"manfid,omitempty"`
	OEMID        string `json:"oemid,omitempty"`
	Name         string `json:"name,omitempty"`
	HWRev        string `json:"hwrev,omitempty"`
	FWRev        string `json:"fwrev,omitempty"`
	Manufactured string `json:"date,omitempty"`
}

// DeviceRecord is the persisted wear state of one physical card.
type DeviceRecord struct {
	Fingerprint       string       `json:"-"`
	FirstSeen         string       `json:"firstSightingDate"`
	LastKnownPath     string       `json:"previousPath"`
	OutputStats       Accumulators `json:"previousStats"`
	BindingSequence   uint64       `json:"diskSeq"`
	TotalBytesWritten int64        `json:"totalBytesWritten"`
}

func NewDeviceRecord(fingerprint, path string, now time.Time) DeviceRecord {
	return DeviceRecord{
		Fingerprint:   fingerprint,
		FirstSeen:     now.UTC().Format(FirstSeenLayout),
		LastKnownPath: path,
	}
}

// Validate checks what a record needs to be stored. Accumulators may go
// negative: gauge fields such as inFlight fold a drop as a wrapped delta.
func (r DeviceRecord) Validate() error {
	if r.Fingerprint == "" {
		return errors.New("record fingerprint must not be empty")
	}
	return nil
}

// recordFields lists the members every persisted record must carry.
var recordFields = []string{"firstSightingDate", "previousPath", "previousStats", "diskSeq", "totalBytesWritten"}

// DecodeDeviceRecord parses one stats document entry, rejecting entries that
// lack any required member.
func DecodeDeviceRecord(fingerprint string, data []byte) (DeviceRecord, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return DeviceRecord{}, fmt.Errorf("entry %q: %w", fingerprint, err)
	}
	if members == nil {
		return DeviceRecord{}, fmt.Errorf("entry %q: not an object", fingerprint)
	}
	for _, field := range recordFields {
		if _, ok := members[field]; !ok {
			return DeviceRecord{}, fmt.Errorf("entry %q: missing %q", fingerprint, field)
		}
	}
	var rec DeviceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return DeviceRecord{}, fmt.Errorf("entry %q: %w", fingerprint, err)
	}
	rec.Fingerprint = fingerprint
	return rec, nil
}
