package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"sdwear-agent/internal/model"
)

var (
	ErrCorrupt       = errors.New("stats document corrupt")
	ErrWriteFailed   = errors.New("stats document write failed")
	ErrInvalidRecord = errors.New("invalid device record")
)

// Document maps fingerprints to device records. Entries are kept as the raw
// JSON they were read with, so a write that touches one device re-emits every
// other entry unchanged.
type Document struct {
	entries map[string]json.RawMessage
}

func NewDocument() *Document {
	return &Document{entries: make(map[string]json.RawMessage)}
}

// ParseDocument validates data as a stats document. Every entry must decode
// into a complete device record.
func ParseDocument(data []byte) (*Document, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if entries == nil {
		return nil, fmt.Errorf("%w: top level is not an object", ErrCorrupt)
	}
	for fp, raw := range entries {
		if fp == "" {
			return nil, fmt.Errorf("%w: empty fingerprint key", ErrCorrupt)
		}
		if _, err := model.DecodeDeviceRecord(fp, raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
	}
	return &Document{entries: entries}, nil
}

func (d *Document) Len() int {
	return len(d.entries)
}

func (d *Document) Fingerprints() []string {
	out := make([]string, 0, len(d.entries))
	for fp := range d.entries {
		out = append(out, fp)
	}
	sort.Strings(out)
	return out
}

func (d *Document) Record(fingerprint string) (model.DeviceRecord, bool, error) {
	raw, ok := d.entries[fingerprint]
	if !ok {
		return model.DeviceRecord{}, false, nil
	}
	rec, err := model.DecodeDeviceRecord(fingerprint, raw)
	if err != nil {
		return model.DeviceRecord{}, true, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return rec, true, nil
}

// Upsert replaces or inserts rec. A first sighting date already stored for the
// fingerprint wins over the one carried by rec.
func (d *Document) Upsert(rec model.DeviceRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	existing, ok, err := d.Record(rec.Fingerprint)
	if err != nil {
		return err
	}
	if ok && existing.FirstSeen != "" {
		rec.FirstSeen = existing.FirstSeen
	}
	raw, err := encode(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Fingerprint, err)
	}
	d.entries[rec.Fingerprint] = raw
	return nil
}

// Raw returns the stored bytes of one entry.
func (d *Document) Raw(fingerprint string) (json.RawMessage, bool) {
	raw, ok := d.entries[fingerprint]
	return raw, ok
}

// Marshal renders the whole document. Keys are sorted, so equal documents
// produce identical bytes.
func (d *Document) Marshal() ([]byte, error) {
	compact, err := encode(d.entries)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", "    "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// encode is json.Marshal without HTML escaping, so entries written by other
// tools keep their characters.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
