// Package nifti reads and writes NIfTI-1 volumes and provides the mask
// algebra the QC pipeline needs. It implements the subset of the format
// the upstream preprocessing pipeline emits: single-file .nii / .nii.gz
// images with scalar datatypes, read into float64 voxel data.
//
// Header layout follows the official nifti1.h definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

// header is the fixed 348-byte NIfTI-1 header.
type header struct {
	SizeofHdr          int32
	UnusedDataType     [10]int8
	UnusedDbName       [18]int8
	UnusedExtents      int32
	UnusedSessionError int16
	UnusedRegular      int8
	DimInfo            int8
	Dim                [8]int16
	IntentP1           float32
	IntentP2           float32
	IntentP3           float32
	IntentCode         int16
	Datatype           int16
	Bitpix             int16
	SliceStart         int16
	Pixdim             [8]float32
	VoxOffset          float32
	SclSlope           float32
	SclInter           float32
	SliceEnd           int16
	SliceCode          int8
	XyztUnits          int8
	CalMax             float32
	CalMin             float32
	SliceDuration      float32
	Toffset            float32
	UnusedGlmax        int32
	UnusedGlmin        int32
	Descrip            [80]int8
	AuxFile            [24]int8
	QformCode          int16
	SformCode          int16
	QuaternB           float32
	QuaternC           float32
	QuaternD           float32
	QoffsetX           float32
	QoffsetY           float32
	QoffsetZ           float32
	SrowX              [4]float32
	SrowY              [4]float32
	SrowZ              [4]float32
	IntentName         [16]int8
	Magic              [4]int8
}

const (
	headerBytes = 348
	dataOffset  = 352
)

// NIfTI-1 datatype codes for the scalar types the pipeline encounters.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
)

// Volume is a 3D image with its spatial metadata. Data is stored in
// row-major NIfTI order (x fastest) as float64, one value per voxel.
// Volumes are never mutated in place; every operation returns a new one.
type Volume struct {
	// Nx, Ny, Nz are the grid dimensions in voxels.
	Nx, Ny, Nz int

	// Pixdim holds the voxel spacing along each axis in mm.
	Pixdim [3]float64

	// Srow holds the sform affine rows mapping voxel indices to
	// reference-space coordinates.
	Srow [3][4]float32

	// SformCode is the NIFTI_XFORM code of the sform affine.
	SformCode int16

	// Data is the voxel data, length Nx*Ny*Nz.
	Data []float64
}

// NumVoxels returns the total voxel count of the grid.
func (v *Volume) NumVoxels() int {
	return v.Nx * v.Ny * v.Nz
}

// SameGrid reports whether two volumes share dimensions. Metric
// functions require this; resampling between grids is the transform
// executor's job, never done implicitly here.
func (v *Volume) SameGrid(o *Volume) bool {
	return v.Nx == o.Nx && v.Ny == o.Ny && v.Nz == o.Nz
}

// Load reads a NIfTI-1 volume from path. Files ending in .gz are
// decompressed transparently. Four-dimensional images are truncated to
// their first volume.
func Load(path string) (*Volume, error) {
	raw, err := readAll(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", path, err)
	}
	if len(raw) < headerBytes {
		return nil, fmt.Errorf("failed to read %s: file shorter than NIfTI-1 header", path)
	}

	h, order, err := parseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %v", path, err)
	}

	vol, err := parseData(raw, h, order)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %v", path, err)
	}
	return vol, nil
}

// Save writes the volume to path as a single-file NIfTI-1 image with
// float32 data, gzip-compressed when the path ends in .gz.
func Save(path string, v *Volume) error {
	h := header{
		SizeofHdr: headerBytes,
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: dataOffset,
		SclSlope:  1,
		SformCode: v.SformCode,
		SrowX:     v.Srow[0],
		SrowY:     v.Srow[1],
		SrowZ:     v.Srow[2],
		Magic:     [4]int8{'n', '+', '1', 0},
	}
	h.Dim[0] = 3
	h.Dim[1] = int16(v.Nx)
	h.Dim[2] = int16(v.Ny)
	h.Dim[3] = int16(v.Nz)
	for i := 4; i < 8; i++ {
		h.Dim[i] = 1
	}
	h.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		h.Pixdim[i+1] = float32(v.Pixdim[i])
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to encode header: %v", err)
	}
	// Extension flag pads the header out to the 352-byte data offset.
	buf.Write([]byte{0, 0, 0, 0})

	data := make([]float32, len(v.Data))
	for i, d := range v.Data {
		data[i] = float32(d)
	}
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("failed to encode voxel data: %v", err)
	}

	return writeAll(path, buf.Bytes())
}

// OnesLike returns an all-ones volume on the same grid as v. The QC
// pipeline uses this as the full-coverage indicator for a run's field
// of view before transforming it into template space.
func OnesLike(v *Volume) *Volume {
	out := emptyLike(v)
	for i := range out.Data {
		out.Data[i] = 1
	}
	return out
}

// Binarize returns a mask volume holding 1 where v's data exceeds
// thresh and 0 elsewhere.
func Binarize(v *Volume, thresh float64) *Volume {
	out := emptyLike(v)
	for i, d := range v.Data {
		if d > thresh {
			out.Data[i] = 1
		}
	}
	return out
}

// And returns the voxelwise conjunction of two masks: 1 where both
// inputs are positive. The grids must match.
func And(a, b *Volume) (*Volume, error) {
	if !a.SameGrid(b) {
		return nil, fmt.Errorf("grid mismatch: %dx%dx%d vs %dx%dx%d",
			a.Nx, a.Ny, a.Nz, b.Nx, b.Ny, b.Nz)
	}
	out := emptyLike(a)
	for i := range a.Data {
		if a.Data[i] > 0 && b.Data[i] > 0 {
			out.Data[i] = 1
		}
	}
	return out, nil
}

// CountNonzero returns the number of non-zero voxels in v.
func CountNonzero(v *Volume) int {
	n := 0
	for _, d := range v.Data {
		if d != 0 {
			n++
		}
	}
	return n
}

func emptyLike(v *Volume) *Volume {
	return &Volume{
		Nx:        v.Nx,
		Ny:        v.Ny,
		Nz:        v.Nz,
		Pixdim:    v.Pixdim,
		Srow:      v.Srow,
		SformCode: v.SformCode,
		Data:      make([]float64, v.NumVoxels()),
	}
}

// parseHeader decodes the header, probing for byte order the way the
// reference implementation does: dim[0] outside [1, 7] means the file
// was written on an opposite-endian machine.
func parseHeader(raw []byte) (header, binary.ByteOrder, error) {
	var h header
	var order binary.ByteOrder = binary.LittleEndian

	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return h, order, err
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		h = header{}
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return h, order, err
		}
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return h, order, fmt.Errorf("dim[0] = %d outside [1, 7]", h.Dim[0])
	}
	if h.SizeofHdr != headerBytes {
		return h, order, fmt.Errorf("sizeof_hdr = %d, want %d", h.SizeofHdr, headerBytes)
	}
	if h.Magic != [4]int8{'n', '+', '1', 0} {
		return h, order, fmt.Errorf("unsupported magic %q: data must live in the same file as the header", magicString(h.Magic))
	}
	return h, order, nil
}

func parseData(raw []byte, h header, order binary.ByteOrder) (*Volume, error) {
	offset := int(h.VoxOffset)
	if offset < dataOffset {
		offset = dataOffset
	}
	if offset > len(raw) {
		return nil, fmt.Errorf("vox_offset %d beyond end of file", offset)
	}

	nx, ny, nz := int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])
	if h.Dim[0] < 3 {
		if h.Dim[0] < 2 {
			ny = 1
		}
		nz = 1
	}
	n := nx * ny * nz
	if n <= 0 {
		return nil, fmt.Errorf("degenerate dimensions %dx%dx%d", nx, ny, nz)
	}

	data, err := decodeVoxels(raw[offset:], h.Datatype, n, order)
	if err != nil {
		return nil, err
	}

	// Apply the intensity scaling the header declares. Slope 0 means
	// no scaling per the standard.
	if h.SclSlope != 0 && (h.SclSlope != 1 || h.SclInter != 0) {
		m, b := float64(h.SclSlope), float64(h.SclInter)
		for i, d := range data {
			data[i] = m*d + b
		}
	}

	vol := &Volume{
		Nx:        nx,
		Ny:        ny,
		Nz:        nz,
		SformCode: h.SformCode,
		Srow:      [3][4]float32{h.SrowX, h.SrowY, h.SrowZ},
		Data:      data,
	}
	for i := 0; i < 3; i++ {
		vol.Pixdim[i] = float64(h.Pixdim[i+1])
	}
	return vol, nil
}

func decodeVoxels(raw []byte, datatype int16, n int, order binary.ByteOrder) ([]float64, error) {
	data := make([]float64, n)
	r := bytes.NewReader(raw)

	switch datatype {
	case dtUint8:
		buf := make([]uint8, n)
		if err := binary.Read(r, order, &buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %v", err)
		}
		for i, b := range buf {
			data[i] = float64(b)
		}
	case dtInt16:
		buf := make([]int16, n)
		if err := binary.Read(r, order, &buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %v", err)
		}
		for i, b := range buf {
			data[i] = float64(b)
		}
	case dtInt32:
		buf := make([]int32, n)
		if err := binary.Read(r, order, &buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %v", err)
		}
		for i, b := range buf {
			data[i] = float64(b)
		}
	case dtFloat32:
		buf := make([]float32, n)
		if err := binary.Read(r, order, &buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %v", err)
		}
		for i, b := range buf {
			data[i] = float64(b)
		}
	case dtFloat64:
		if err := binary.Read(r, order, &data); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %v", err)
		}
	default:
		return nil, fmt.Errorf("unsupported datatype code %d", datatype)
	}
	return data, nil
}

func readAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

func writeAll(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to write %s: %v", path, err)
		}
	}
	return nil
}

func magicString(m [4]int8) string {
	b := make([]byte, 0, 4)
	for _, c := range m {
		if c == 0 {
			break
		}
		b = append(b, byte(c))
	}
	return string(b)
}
