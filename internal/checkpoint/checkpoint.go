// Package checkpoint persists model parameters as an opaque binary snapshot.
//
// Layout, all little-endian: magic u32, format version u32, tensor count
// u32, then per tensor a length-prefixed name, rows u32, cols u32 and the
// float32 values in row-major order. Gradients and optimizer state are not
// part of a snapshot.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/peerlm/peer/internal/model"
)

const (
	magic         = uint32(0x50524d31) // "PRM1"
	formatVersion = uint32(1)

	maxNameLen = 256
)

// Save writes the named parameters to path, replacing any existing file.
func Save(path string, params []model.NamedParam) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	w := bufio.NewWriter(f)

	if err := writeHeader(w, len(params)); err != nil {
		_ = f.Close()
		return fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	for _, p := range params {
		if err := writeTensor(w, p); err != nil {
			_ = f.Close()
			return fmt.Errorf("write checkpoint %s: tensor %s: %w", path, p.Name, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close checkpoint %s: %w", path, err)
	}
	return nil
}

// Load reads a snapshot from path into the given parameters. Every tensor in
// the file must match a parameter by name and shape, and every parameter
// must be present; a mismatch means the snapshot belongs to a different
// architecture.
func Load(path string, params []model.NamedParam) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	count, err := readHeader(r)
	if err != nil {
		return fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	if count != len(params) {
		return fmt.Errorf("read checkpoint %s: holds %d tensors, model has %d", path, count, len(params))
	}

	byName := make(map[string]model.NamedParam, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	seen := make(map[string]bool, len(params))
	for i := 0; i < count; i++ {
		name, err := readTensor(r, byName)
		if err != nil {
			return fmt.Errorf("read checkpoint %s: %w", path, err)
		}
		if seen[name] {
			return fmt.Errorf("read checkpoint %s: duplicate tensor %q", path, name)
		}
		seen[name] = true
	}
	return nil
}

func writeHeader(w io.Writer, count int) error {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], formatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(count))
	_, err := w.Write(buf[:])
	return err
}

func readHeader(r io.Reader) (int, error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("header: %w", err)
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != magic {
		return 0, fmt.Errorf("bad magic %#x", got)
	}
	if got := binary.LittleEndian.Uint32(buf[4:8]); got != formatVersion {
		return 0, fmt.Errorf("unsupported format version %d", got)
	}
	return int(binary.LittleEndian.Uint32(buf[8:12])), nil
}

func writeTensor(w io.Writer, p model.NamedParam) error {
	if len(p.Name) == 0 || len(p.Name) > maxNameLen {
		return fmt.Errorf("invalid name length %d", len(p.Name))
	}
	var head [12]byte
	binary.LittleEndian.PutUint32(head[0:4], uint32(len(p.Name)))
	binary.LittleEndian.PutUint32(head[4:8], uint32(p.Mat.R))
	binary.LittleEndian.PutUint32(head[8:12], uint32(p.Mat.C))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, p.Name); err != nil {
		return err
	}
	buf := make([]byte, 4*len(p.Mat.Data))
	for i, v := range p.Mat.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

func readTensor(r io.Reader, byName map[string]model.NamedParam) (string, error) {
	var head [12]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return "", fmt.Errorf("tensor header: %w", err)
	}
	nameLen := int(binary.LittleEndian.Uint32(head[0:4]))
	rows := int(binary.LittleEndian.Uint32(head[4:8]))
	cols := int(binary.LittleEndian.Uint32(head[8:12]))
	if nameLen == 0 || nameLen > maxNameLen {
		return "", fmt.Errorf("invalid tensor name length %d", nameLen)
	}
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return "", fmt.Errorf("tensor name: %w", err)
	}
	name := string(nameBuf)

	p, ok := byName[name]
	if !ok {
		return "", fmt.Errorf("unknown tensor %q", name)
	}
	if rows != p.Mat.R || cols != p.Mat.C {
		return "", fmt.Errorf("tensor %q has shape (%d x %d), model expects (%d x %d)",
			name, rows, cols, p.Mat.R, p.Mat.C)
	}
	buf := make([]byte, 4*rows*cols)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("tensor %q values: %w", name, err)
	}
	for i := range p.Mat.Data {
		p.Mat.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return name, nil
}
