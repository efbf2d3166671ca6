// Package checkpoint saves and restores the state of an adaptive run: the
// hierarchical mesh, the basis definition and a solution on it.
//
// A checkpoint is an 8 byte header (magic and format version) followed by a
// single zstd frame holding the payload. Integers are uvarints, floats are
// little endian IEEE 754 bits and element sets are portable roaring bitmaps.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/notargets/IGAdapt/hspace"
	"github.com/notargets/IGAdapt/mesh"
)

// ErrCorruptSnapshot is returned when a checkpoint cannot be decoded
var ErrCorruptSnapshot = errors.New("corrupt checkpoint")

const version uint16 = 2

var magic = [4]byte{'I', 'G', 'A', 'C'}

// Snapshot is the decoded content of a checkpoint
type Snapshot struct {
	Mesh     mesh.Options
	State    mesh.State
	Degree   []int
	Strategy hspace.Strategy
	Time     float64
	Duration float64   // Source traversal time of the run, 0 when unknown
	Coeffs   []float64 // Over the active basis; may be empty
}

// Capture records sp and a solution u on it at time t
func Capture(sp *hspace.Space, t float64, u []float64) (*Snapshot, error) {
	if u != nil && len(u) != sp.NDOF() {
		return nil, fmt.Errorf("%w: got %d, want %d", hspace.ErrDimensionMismatch, len(u), sp.NDOF())
	}
	hm := sp.Mesh
	return &Snapshot{
		Mesh: mesh.Options{
			Subdivisions: hm.Base(),
			Geometry:     hm.Geometry,
			MaxLevel:     hm.MaxLevel,
			QuadPoints:   hm.QuadPoints(),
		},
		State:    hm.State(),
		Degree:   append([]int(nil), sp.Degree...),
		Strategy: sp.Strategy,
		Time:     t,
		Coeffs:   append([]float64(nil), u...),
	}, nil
}

// Restore rebuilds the mesh and space. Coeffs apply to the returned space.
func (s *Snapshot) Restore() (*hspace.Space, error) {
	hm, err := mesh.Restore(s.Mesh, s.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	sp, err := hspace.New(hm, s.Degree, s.Strategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if len(s.Coeffs) != 0 && len(s.Coeffs) != sp.NDOF() {
		return nil, fmt.Errorf("%w: %d coefficients for %d functions", ErrCorruptSnapshot, len(s.Coeffs), sp.NDOF())
	}
	return sp, nil
}

// Write encodes s to w
func Write(w io.Writer, s *Snapshot) (err error) {
	payload, err := s.encode()
	if err != nil {
		return
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return
	}
	defer enc.Close()
	hdr := make([]byte, 0, 8)
	hdr = append(hdr, magic[:]...)
	hdr = binary.LittleEndian.AppendUint16(hdr, version)
	hdr = append(hdr, 0, 0)
	if _, err = w.Write(enc.EncodeAll(payload, hdr)); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return
}

// Read decodes a checkpoint written by Write
func Read(r io.Reader) (s *Snapshot, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if len(data) < 8 || !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptSnapshot)
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, v)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return
	}
	defer dec.Close()
	payload, err := dec.DecodeAll(data[8:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return decode(payload)
}

// Save writes s to a file
func Save(path string, s *Snapshot) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return Write(f, s)
}

// Load reads a checkpoint file
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func appendInts(buf []byte, v []int) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(v)))
	for _, x := range v {
		buf = binary.AppendUvarint(buf, uint64(x))
	}
	return buf
}

func appendFloats(buf []byte, v []float64) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(v)))
	for _, x := range v {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(x))
	}
	return buf
}

func appendBitmap(buf []byte, bm *roaring.Bitmap) ([]byte, error) {
	var b bytes.Buffer
	if _, err := bm.WriteTo(&b); err != nil {
		return nil, err
	}
	buf = binary.AppendUvarint(buf, uint64(b.Len()))
	return append(buf, b.Bytes()...), nil
}

func (s *Snapshot) encode() (buf []byte, err error) {
	if len(s.State.Active) != len(s.State.Refined) {
		return nil, fmt.Errorf("mesh state has %d active and %d refined levels",
			len(s.State.Active), len(s.State.Refined))
	}
	buf = appendInts(buf, s.Mesh.Subdivisions)
	buf = appendFloats(buf, s.Mesh.Geometry.Lo)
	buf = appendFloats(buf, s.Mesh.Geometry.Hi)
	buf = binary.AppendUvarint(buf, uint64(s.Mesh.MaxLevel))
	buf = appendInts(buf, s.Mesh.QuadPoints)
	buf = appendInts(buf, s.Degree)
	var truncated byte
	if s.Strategy != nil && s.Strategy.Truncated() {
		truncated = 1
	}
	buf = append(buf, truncated)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(s.Time))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(s.Duration))
	buf = binary.AppendUvarint(buf, uint64(len(s.State.Active)))
	for l := range s.State.Active {
		if buf, err = appendBitmap(buf, s.State.Active[l]); err != nil {
			return
		}
		if buf, err = appendBitmap(buf, s.State.Refined[l]); err != nil {
			return
		}
	}
	return appendFloats(buf, s.Coeffs), nil
}

// reader consumes a payload, remembering the first failure
type reader struct {
	data []byte
	err  error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: truncated %s", ErrCorruptSnapshot, what)
	}
	r.data = nil
}

func (r *reader) uvarint(what string) uint64 {
	v, n := binary.Uvarint(r.data)
	if n <= 0 {
		r.fail(what)
		return 0
	}
	r.data = r.data[n:]
	return v
}

// count reads a length and checks it against the remaining bytes, each
// element taking at least size bytes
func (r *reader) count(what string, size int) int {
	n := r.uvarint(what)
	if n > uint64(len(r.data)/size) {
		r.fail(what)
		return 0
	}
	return int(n)
}

func (r *reader) float(what string) float64 {
	if len(r.data) < 8 {
		r.fail(what)
		return 0
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.data))
	r.data = r.data[8:]
	return v
}

func (r *reader) ints(what string) (v []int) {
	n := r.count(what, 1)
	for i := 0; i < n; i++ {
		v = append(v, int(r.uvarint(what)))
	}
	return
}

func (r *reader) floats(what string) (v []float64) {
	n := r.count(what, 8)
	for i := 0; i < n; i++ {
		v = append(v, r.float(what))
	}
	return
}

func (r *reader) bitmap(what string) *roaring.Bitmap {
	n := r.count(what, 1)
	bm := roaring.New()
	if r.err != nil {
		return bm
	}
	if _, err := bm.ReadFrom(bytes.NewReader(r.data[:n])); err != nil {
		r.err = fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, what, err)
	}
	r.data = r.data[n:]
	return bm
}

func decode(payload []byte) (s *Snapshot, err error) {
	r := &reader{data: payload}
	s = &Snapshot{Strategy: hspace.Standard}
	s.Mesh.Subdivisions = r.ints("subdivisions")
	s.Mesh.Geometry.Lo = r.floats("geometry")
	s.Mesh.Geometry.Hi = r.floats("geometry")
	s.Mesh.MaxLevel = int(r.uvarint("max level"))
	s.Mesh.QuadPoints = r.ints("quadrature")
	s.Degree = r.ints("degree")
	if len(r.data) < 1 {
		r.fail("strategy")
	} else {
		if r.data[0] == 1 {
			s.Strategy = hspace.Truncated
		}
		r.data = r.data[1:]
	}
	s.Time = r.float("time")
	s.Duration = r.float("duration")
	nl := r.count("levels", 2)
	for l := 0; l < nl; l++ {
		s.State.Active = append(s.State.Active, r.bitmap("active set"))
		s.State.Refined = append(s.State.Refined, r.bitmap("refined set"))
	}
	s.Coeffs = r.floats("coefficients")
	if r.err != nil {
		return nil, r.err
	}
	if len(r.data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, len(r.data))
	}
	return
}
