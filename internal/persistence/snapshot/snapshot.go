// Package snapshot persists the state of the utility networks so a run can
// be inspected offline or resumed.
package snapshot

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Version is the snapshot layout written by Encode.
const Version = 1

// ErrUnsupportedVersion is returned when decoding a snapshot written with a
// layout this build does not understand.
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

type Header struct {
	Version   int       `json:"version"`
	Tick      uint64    `json:"tick"`
	CreatedAt time.Time `json:"created_at"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	ThresholdMode       string `json:"threshold_mode,omitempty"`
	MaxEndpointsPerGrid int    `json:"max_endpoints_per_grid,omitempty"`

	Devices  []DeviceV1  `json:"devices"`
	Networks []NetworkV1 `json:"networks"`
}

type DeviceV1 struct {
	ID               string  `json:"id"`
	Name             string  `json:"name,omitempty"`
	Utility          string  `json:"utility"`
	InputRate        float64 `json:"input_rate"`
	OutputRate       float64 `json:"output_rate"`
	Capacity         float64 `json:"capacity"`
	AccumulatedPower float64 `json:"accumulated_power"`
	// LastThreshold is the last reached band in percent. Nil means unknown
	// and the band is derived from AccumulatedPower on restore.
	LastThreshold    *int    `json:"last_threshold,omitempty"`
}

type NetworkV1 struct {
	Utility       string   `json:"utility"`
	TickInterval  float64  `json:"tick_interval_seconds"`
	SecondsPassed float64  `json:"seconds_passed,omitempty"`
	Grids         []GridV1 `json:"grids"`
}

// GridV1 lists a grid's members in plug-in order.
type GridV1 struct {
	ID      string   `json:"id"`
	Devices []string `json:"devices"`
}

// Encode writes snap as a zstd stream holding a one-line JSON header
// followed by the JSON body. A zero header version is filled in.
func Encode(w io.Writer, snap SnapshotV1) error {
	if snap.Header.Version == 0 {
		snap.Header.Version = Version
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 64*1024)
	hb, err := json.Marshal(snap.Header)
	if err != nil {
		enc.Close()
		return fmt.Errorf("marshal header: %w", err)
	}
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		enc.Close()
		return err
	}
	if err := json.NewEncoder(bw).Encode(&snap); err != nil {
		enc.Close()
		return fmt.Errorf("json encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Decode reads a snapshot written by Encode. The header line is checked
// before the body is parsed.
func Decode(r io.Reader) (SnapshotV1, error) {
	var snap SnapshotV1

	dec, err := zstd.NewReader(r)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil {
		return snap, fmt.Errorf("decode header: %w", err)
	}
	if hdr.Version != Version {
		return snap, fmt.Errorf("%w: %d", ErrUnsupportedVersion, hdr.Version)
	}

	if err := json.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("json decode: %w", err)
	}
	return snap, nil
}

// WriteSnapshot encodes snap into path, creating parent directories. The
// file is written next to path and renamed into place.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(f, snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	f, err := os.Open(path)
	if err != nil {
		return SnapshotV1{}, err
	}
	defer f.Close()
	return Decode(f)
}
