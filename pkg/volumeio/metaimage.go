// Package volumeio reads and writes volumes in the MetaImage format
// (.mhd header with a separate .raw payload, or a single .mha file) and
// landmark point files.
package volumeio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"deform/internal/models"
)

// ErrUnsupportedFormat is returned for files this package cannot decode
var ErrUnsupportedFormat = errors.New("unsupported volume format")

var elementTypes = map[string]models.ScalarKind{
	"MET_UCHAR":  models.KindUChar,
	"MET_FLOAT":  models.KindFloat,
	"MET_DOUBLE": models.KindDouble,
}

func elementTypeName(k models.ScalarKind) string {
	for name, kind := range elementTypes {
		if kind == k {
			return name
		}
	}
	return ""
}

// Read loads a volume from a .mhd or .mha file
func Read(path string) (*models.Volume, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".mhd" && ext != ".mha" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	header, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	vol, err := header.volume()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var payload io.Reader = r
	if dataFile := header["ElementDataFile"]; dataFile != "LOCAL" {
		raw, err := os.Open(filepath.Join(filepath.Dir(path), dataFile))
		if err != nil {
			return nil, fmt.Errorf("failed to open data file: %w", err)
		}
		defer raw.Close()
		payload = raw
	}

	if _, err := io.ReadFull(payload, vol.Data); err != nil {
		return nil, fmt.Errorf("failed to read voxel data of %s: %w", path, err)
	}

	return vol, nil
}

// Write saves a volume. A .mha path stores header and data in one file,
// a .mhd path writes the data next to it with a .raw extension.
func Write(path string, vol *models.Volume) error {
	if !vol.Valid() {
		return models.ErrInvalidVolume
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".mhd" && ext != ".mha" {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	dataFile := "LOCAL"
	if ext == ".mhd" {
		dataFile = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".raw"
	}

	var buf bytes.Buffer
	writeHeader(&buf, vol, dataFile)

	if dataFile == "LOCAL" {
		buf.Write(vol.Data)
		return os.WriteFile(path, buf.Bytes(), 0644)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(filepath.Dir(path), dataFile), vol.Data, 0644)
}

// header holds MetaImage key/value pairs
type header map[string]string

// readHeader reads "Key = Value" lines up to and including ElementDataFile,
// which MetaImage requires to be the last header field
func readHeader(r *bufio.Reader) (header, error) {
	h := make(header)
	for {
		line, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return nil, fmt.Errorf("missing ElementDataFile: %w", err)
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return nil, fmt.Errorf("malformed header line %q", strings.TrimSpace(line))
		}
		key = strings.TrimSpace(key)
		h[key] = strings.TrimSpace(value)

		if key == "ElementDataFile" {
			return h, nil
		}
	}
}

func (h header) floats(key string, n int, def []float64) ([]float64, error) {
	raw, ok := h[key]
	if !ok {
		return def, nil
	}
	fields := strings.Fields(raw)
	if len(fields) != n {
		return nil, fmt.Errorf("%s: expected %d values, got %d", key, n, len(fields))
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[i] = v
	}
	return out, nil
}

// dimSize parses DimSize as positive integers; 2D sizes get a depth of 1
func (h header) dimSize(ndims int) (models.Dims, error) {
	raw, ok := h["DimSize"]
	if !ok {
		return models.Dims{}, errors.New("missing DimSize")
	}
	fields := strings.Fields(raw)
	if len(fields) != ndims {
		return models.Dims{}, fmt.Errorf("DimSize: expected %d values, got %d", ndims, len(fields))
	}

	dims := []int{1, 1, 1}
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil || v <= 0 {
			return models.Dims{}, fmt.Errorf("%w: DimSize %q", ErrUnsupportedFormat, raw)
		}
		dims[i] = v
	}
	return models.Dims{X: dims[0], Y: dims[1], Z: dims[2]}, nil
}

// volume allocates a volume described by the header
func (h header) volume() (*models.Volume, error) {
	if strings.EqualFold(h["CompressedData"], "True") {
		return nil, fmt.Errorf("%w: compressed data", ErrUnsupportedFormat)
	}
	if strings.EqualFold(h["BinaryDataByteOrderMSB"], "True") || strings.EqualFold(h["ElementByteOrderMSB"], "True") {
		return nil, fmt.Errorf("%w: big-endian data", ErrUnsupportedFormat)
	}

	ndims, err := strconv.Atoi(h["NDims"])
	if err != nil || ndims < 2 || ndims > 3 {
		return nil, fmt.Errorf("%w: NDims %q", ErrUnsupportedFormat, h["NDims"])
	}

	// 2D images are read as a single slice
	pad := func(v []float64, fill float64) []float64 {
		if len(v) == 2 {
			return append(v, fill)
		}
		return v
	}

	size, err := h.dimSize(ndims)
	if err != nil {
		return nil, err
	}

	kind, ok := elementTypes[h["ElementType"]]
	if !ok {
		return nil, fmt.Errorf("%w: element type %q", ErrUnsupportedFormat, h["ElementType"])
	}
	channels := 1
	if c, ok := h["ElementNumberOfChannels"]; ok {
		if channels, err = strconv.Atoi(c); err != nil {
			return nil, fmt.Errorf("ElementNumberOfChannels: %w", err)
		}
	}
	typ := models.MakeVoxelType(kind, channels)
	if typ == models.TypeUnknown {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, channels)
	}

	if size.X > math.MaxInt/size.Y/size.Z/typ.ElementSize() {
		return nil, fmt.Errorf("%w: DimSize %s too large", ErrUnsupportedFormat, size)
	}
	vol := models.NewVolume(size, typ)

	spacing, err := h.floats("ElementSpacing", ndims, []float64{1, 1, 1})
	if err != nil {
		return nil, err
	}
	spacing = pad(spacing, 1)
	vol.Spacing = r3.Vec{X: spacing[0], Y: spacing[1], Z: spacing[2]}

	originKey := "Offset"
	if _, ok := h[originKey]; !ok {
		originKey = "Origin"
	}
	origin, err := h.floats(originKey, ndims, []float64{0, 0, 0})
	if err != nil {
		return nil, err
	}
	origin = pad(origin, 0)
	vol.Origin = r3.Vec{X: origin[0], Y: origin[1], Z: origin[2]}

	if ndims == 3 {
		direction, err := h.floats("TransformMatrix", 9, nil)
		if err != nil {
			return nil, err
		}
		if direction != nil {
			vol.Direction = mat.NewDense(3, 3, direction)
		}
	}

	return vol, nil
}

func writeHeader(w io.Writer, vol *models.Volume, dataFile string) {
	d := vol.Direction
	if d == nil {
		d = models.IdentityDirection()
	}
	num := func(v float64) string {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}

	fmt.Fprintln(w, "ObjectType = Image")
	fmt.Fprintln(w, "NDims = 3")
	fmt.Fprintln(w, "BinaryData = True")
	fmt.Fprintln(w, "BinaryDataByteOrderMSB = False")
	fmt.Fprintln(w, "CompressedData = False")
	fmt.Fprintf(w, "TransformMatrix = %s %s %s %s %s %s %s %s %s\n",
		num(d.At(0, 0)), num(d.At(0, 1)), num(d.At(0, 2)),
		num(d.At(1, 0)), num(d.At(1, 1)), num(d.At(1, 2)),
		num(d.At(2, 0)), num(d.At(2, 1)), num(d.At(2, 2)))
	fmt.Fprintf(w, "Offset = %s %s %s\n", num(vol.Origin.X), num(vol.Origin.Y), num(vol.Origin.Z))
	fmt.Fprintf(w, "ElementSpacing = %s %s %s\n", num(vol.Spacing.X), num(vol.Spacing.Y), num(vol.Spacing.Z))
	fmt.Fprintf(w, "DimSize = %d %d %d\n", vol.Size.X, vol.Size.Y, vol.Size.Z)
	if n := vol.Type.Channels(); n > 1 {
		fmt.Fprintf(w, "ElementNumberOfChannels = %d\n", n)
	}
	fmt.Fprintf(w, "ElementType = %s\n", elementTypeName(vol.Type.Kind()))
	fmt.Fprintf(w, "ElementDataFile = %s\n", dataFile)
}
