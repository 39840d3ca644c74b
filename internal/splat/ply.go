// Package splat decodes and encodes Gaussian-Splatting point-cloud assets
// stored as PLY files.
//
// The payload is treated as opaque by the player: a Cloud keeps the raw
// vertex records (normalised to little-endian) together with the property
// layout, and exposes just enough introspection for cache accounting,
// reporting and sanity checks. Non-vertex elements written by the inference
// pipeline (camera intrinsics, image size, version) are parsed and dropped.
package splat

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed ply")

// Format is the PLY body encoding.
type Format int

const (
	FormatASCII Format = iota
	FormatBinaryLittleEndian
	FormatBinaryBigEndian
)

func (f Format) String() string {
	switch f {
	case FormatASCII:
		return "ascii"
	case FormatBinaryLittleEndian:
		return "binary_little_endian"
	case FormatBinaryBigEndian:
		return "binary_big_endian"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// PropertyType is a scalar PLY property type.
type PropertyType int

const (
	TypeInt8 PropertyType = iota + 1
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeFloat32
	TypeFloat64
)

var typeNames = map[string]PropertyType{
	"char": TypeInt8, "int8": TypeInt8,
	"uchar": TypeUint8, "uint8": TypeUint8,
	"short": TypeInt16, "int16": TypeInt16,
	"ushort": TypeUint16, "uint16": TypeUint16,
	"int": TypeInt32, "int32": TypeInt32,
	"uint": TypeUint32, "uint32": TypeUint32,
	"float": TypeFloat32, "float32": TypeFloat32,
	"double": TypeFloat64, "float64": TypeFloat64,
}

// Size returns the encoded width of the type in bytes.
func (t PropertyType) Size() int {
	switch t {
	case TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeFloat64:
		return 8
	default:
		return 0
	}
}

func (t PropertyType) String() string {
	switch t {
	case TypeInt8:
		return "char"
	case TypeUint8:
		return "uchar"
	case TypeInt16:
		return "short"
	case TypeUint16:
		return "ushort"
	case TypeInt32:
		return "int"
	case TypeUint32:
		return "uint"
	case TypeFloat32:
		return "float"
	case TypeFloat64:
		return "double"
	default:
		return "unknown"
	}
}

// Property is one scalar field of a vertex record.
type Property struct {
	Name   string
	Type   PropertyType
	Offset int // byte offset inside a record
}

// Cloud is a decoded point-cloud payload.
type Cloud struct {
	Source     Format
	Comments   []string
	Properties []Property
	Stride     int
	Count      int
	Data       []byte // Count*Stride bytes, little-endian

	index map[string]int
}

// Len returns the number of vertices.
func (c *Cloud) Len() int {
	if c == nil {
		return 0
	}
	return c.Count
}

// SizeBytes is the resident size used for cache accounting.
func (c *Cloud) SizeBytes() int64 {
	if c == nil {
		return 0
	}
	return int64(len(c.Data)) + int64(len(c.Properties))*32
}

// PropertyIndex returns the index of the named property, or -1.
func (c *Cloud) PropertyIndex(name string) int {
	if c.index == nil {
		c.buildIndex()
	}
	if i, ok := c.index[name]; ok {
		return i
	}
	return -1
}

func (c *Cloud) buildIndex() {
	c.index = make(map[string]int, len(c.Properties))
	for i, p := range c.Properties {
		c.index[p.Name] = i
	}
}

// Float returns property prop of vertex i converted to float64.
func (c *Cloud) Float(i, prop int) float64 {
	p := c.Properties[prop]
	b := c.Data[i*c.Stride+p.Offset:]
	switch p.Type {
	case TypeInt8:
		return float64(int8(b[0]))
	case TypeUint8:
		return float64(b[0])
	case TypeInt16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case TypeUint16:
		return float64(binary.LittleEndian.Uint16(b))
	case TypeInt32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case TypeUint32:
		return float64(binary.LittleEndian.Uint32(b))
	case TypeFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case TypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// SetFloat stores v into property prop of vertex i, converting to the
// property's type.
func (c *Cloud) SetFloat(i, prop int, v float64) {
	p := c.Properties[prop]
	b := c.Data[i*c.Stride+p.Offset:]
	switch p.Type {
	case TypeInt8:
		b[0] = byte(int8(v))
	case TypeUint8:
		b[0] = byte(v)
	case TypeInt16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case TypeUint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case TypeInt32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case TypeUint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case TypeFloat32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case TypeFloat64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

// Position returns the x, y, z coordinates of vertex i.
// ok is false when the cloud has no positional properties.
func (c *Cloud) Position(i int) (x, y, z float64, ok bool) {
	xi, yi, zi := c.PropertyIndex("x"), c.PropertyIndex("y"), c.PropertyIndex("z")
	if xi < 0 || yi < 0 || zi < 0 {
		return 0, 0, 0, false
	}
	return c.Float(i, xi), c.Float(i, yi), c.Float(i, zi), true
}

// Bounds returns the axis-aligned bounding box of all vertex positions.
func (c *Cloud) Bounds() (min, max [3]float64, ok bool) {
	if c.Len() == 0 {
		return min, max, false
	}
	for i := 0; i < c.Count; i++ {
		x, y, z, has := c.Position(i)
		if !has {
			return min, max, false
		}
		p := [3]float64{x, y, z}
		for k := 0; k < 3; k++ {
			if i == 0 || p[k] < min[k] {
				min[k] = p[k]
			}
			if i == 0 || p[k] > max[k] {
				max[k] = p[k]
			}
		}
	}
	return min, max, true
}

// gaussianCore lists the properties every 3D Gaussian asset carries.
var gaussianCore = []string{
	"x", "y", "z",
	"f_dc_0", "f_dc_1", "f_dc_2",
	"opacity",
	"scale_0", "scale_1", "scale_2",
	"rot_0", "rot_1", "rot_2", "rot_3",
}

// HasGaussianAttributes reports whether the cloud carries the means, base
// colour, opacity, scale and rotation attributes of a Gaussian splat.
func (c *Cloud) HasGaussianAttributes() bool {
	for _, name := range gaussianCore {
		if c.PropertyIndex(name) < 0 {
			return false
		}
	}
	return true
}

// SHDegree derives the spherical-harmonics degree from the number of
// f_rest_* coefficients (3 * ((d+1)^2 - 1)). It returns -1 when the count
// does not correspond to any degree.
func (c *Cloud) SHDegree() int {
	n := 0
	for _, p := range c.Properties {
		if strings.HasPrefix(p.Name, "f_rest_") {
			n++
		}
	}
	return shDegreeForRest(n)
}

func shDegreeForRest(n int) int {
	if n == 0 {
		return 0
	}
	if n%3 != 0 {
		return -1
	}
	k := n/3 + 1
	d := int(math.Round(math.Sqrt(float64(k))))
	if d*d != k {
		return -1
	}
	return d - 1
}

// element is a parsed header element declaration.
type element struct {
	name  string
	count int
	props []elementProp
}

type elementProp struct {
	name      string
	typ       PropertyType
	list      bool
	countType PropertyType
}

// Decode reads a PLY stream. The first element must be "vertex" and may only
// contain scalar properties.
func Decode(r io.Reader) (*Cloud, error) {
	br := bufio.NewReader(r)

	magic, err := readHeaderLine(br)
	if err != nil {
		return nil, fmt.Errorf("%w: reading magic: %v", ErrMalformed, err)
	}
	if magic != "ply" {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformed, magic)
	}

	cloud := &Cloud{}
	var elements []*element
	formatSeen := false

	for {
		line, err := readHeaderLine(br)
		if err != nil {
			return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
		}
		if line == "end_header" {
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) != 3 {
				return nil, fmt.Errorf("%w: bad format line %q", ErrMalformed, line)
			}
			switch fields[1] {
			case "ascii":
				cloud.Source = FormatASCII
			case "binary_little_endian":
				cloud.Source = FormatBinaryLittleEndian
			case "binary_big_endian":
				cloud.Source = FormatBinaryBigEndian
			default:
				return nil, fmt.Errorf("%w: unknown format %q", ErrMalformed, fields[1])
			}
			formatSeen = true
		case "comment", "obj_info":
			cloud.Comments = append(cloud.Comments, strings.TrimSpace(strings.TrimPrefix(line, fields[0])))
		case "element":
			if len(fields) != 3 {
				return nil, fmt.Errorf("%w: bad element line %q", ErrMalformed, line)
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad element count %q", ErrMalformed, fields[2])
			}
			elements = append(elements, &element{name: fields[1], count: n})
		case "property":
			if len(elements) == 0 {
				return nil, fmt.Errorf("%w: property before element", ErrMalformed)
			}
			p, err := parseProperty(fields)
			if err != nil {
				return nil, err
			}
			cur := elements[len(elements)-1]
			cur.props = append(cur.props, p)
		default:
			return nil, fmt.Errorf("%w: unexpected header line %q", ErrMalformed, line)
		}
	}

	if !formatSeen {
		return nil, fmt.Errorf("%w: missing format line", ErrMalformed)
	}
	if len(elements) == 0 || elements[0].name != "vertex" {
		return nil, fmt.Errorf("%w: first element must be vertex", ErrMalformed)
	}

	vertex := elements[0]
	offset := 0
	for _, p := range vertex.props {
		if p.list {
			return nil, fmt.Errorf("%w: list property %q in vertex element", ErrMalformed, p.name)
		}
		cloud.Properties = append(cloud.Properties, Property{Name: p.name, Type: p.typ, Offset: offset})
		offset += p.typ.Size()
	}
	if offset == 0 {
		return nil, fmt.Errorf("%w: vertex element has no properties", ErrMalformed)
	}
	if vertex.count > math.MaxInt/offset {
		return nil, fmt.Errorf("%w: vertex count %d overflows %d-byte records", ErrMalformed, vertex.count, offset)
	}
	cloud.Stride = offset
	cloud.Count = vertex.count

	if cloud.Source == FormatASCII {
		err = decodeASCII(br, cloud, elements[1:])
	} else {
		err = decodeBinary(br, cloud, elements[1:])
	}
	if err != nil {
		return nil, err
	}
	cloud.buildIndex()
	return cloud, nil
}

func readHeaderLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseProperty(fields []string) (elementProp, error) {
	if len(fields) >= 2 && fields[1] == "list" {
		if len(fields) != 5 {
			return elementProp{}, fmt.Errorf("%w: bad list property %q", ErrMalformed, strings.Join(fields, " "))
		}
		ct, ok1 := typeNames[fields[2]]
		it, ok2 := typeNames[fields[3]]
		if !ok1 || !ok2 {
			return elementProp{}, fmt.Errorf("%w: unknown list types in %q", ErrMalformed, strings.Join(fields, " "))
		}
		return elementProp{name: fields[4], typ: it, list: true, countType: ct}, nil
	}
	if len(fields) != 3 {
		return elementProp{}, fmt.Errorf("%w: bad property %q", ErrMalformed, strings.Join(fields, " "))
	}
	t, ok := typeNames[fields[1]]
	if !ok {
		return elementProp{}, fmt.Errorf("%w: unknown property type %q", ErrMalformed, fields[1])
	}
	return elementProp{name: fields[2], typ: t}, nil
}

// maxPrealloc caps the buffer sized from the header count. Larger bodies
// grow as bytes actually arrive.
const maxPrealloc = 16 << 20

func decodeBinary(br *bufio.Reader, cloud *Cloud, rest []*element) error {
	size := cloud.Count * cloud.Stride
	var body bytes.Buffer
	body.Grow(min(size, maxPrealloc))
	n, err := body.ReadFrom(io.LimitReader(br, int64(size)))
	if err != nil {
		return fmt.Errorf("%w: reading vertex body: %v", ErrMalformed, err)
	}
	if n != int64(size) {
		return fmt.Errorf("%w: vertex body truncated (want %d bytes, got %d)", ErrMalformed, size, n)
	}
	cloud.Data = body.Bytes()

	if cloud.Source == FormatBinaryBigEndian {
		for i := 0; i < cloud.Count; i++ {
			rec := cloud.Data[i*cloud.Stride : (i+1)*cloud.Stride]
			for _, p := range cloud.Properties {
				reverse(rec[p.Offset : p.Offset+p.Type.Size()])
			}
		}
	}

	order := binary.ByteOrder(binary.LittleEndian)
	if cloud.Source == FormatBinaryBigEndian {
		order = binary.BigEndian
	}
	for _, el := range rest {
		if len(el.props) == 0 {
			continue
		}
		for i := 0; i < el.count; i++ {
			for _, p := range el.props {
				if !p.list {
					if _, err := br.Discard(p.typ.Size()); err != nil {
						return fmt.Errorf("%w: element %q truncated: %v", ErrMalformed, el.name, err)
					}
					continue
				}
				buf := make([]byte, p.countType.Size())
				if _, err := io.ReadFull(br, buf); err != nil {
					return fmt.Errorf("%w: element %q truncated: %v", ErrMalformed, el.name, err)
				}
				n := int(readUint(buf, p.countType, order))
				if _, err := br.Discard(n * p.typ.Size()); err != nil {
					return fmt.Errorf("%w: element %q truncated: %v", ErrMalformed, el.name, err)
				}
			}
		}
	}
	return nil
}

func readUint(b []byte, t PropertyType, order binary.ByteOrder) uint64 {
	switch t.Size() {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	default:
		return order.Uint64(b)
	}
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

func decodeASCII(br *bufio.Reader, cloud *Cloud, rest []*element) error {
	cloud.Data = make([]byte, 0, min(cloud.Count*cloud.Stride, maxPrealloc))
	blank := make([]byte, cloud.Stride)
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for i := 0; i < cloud.Count; i++ {
		fields, err := nextFields(sc)
		if err != nil {
			return fmt.Errorf("%w: vertex %d: %v", ErrMalformed, i, err)
		}
		if len(fields) != len(cloud.Properties) {
			return fmt.Errorf("%w: vertex %d has %d values, want %d", ErrMalformed, i, len(fields), len(cloud.Properties))
		}
		cloud.Data = append(cloud.Data, blank...)
		for k, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return fmt.Errorf("%w: vertex %d value %q: %v", ErrMalformed, i, f, err)
			}
			cloud.SetFloat(i, k, v)
		}
	}

	for _, el := range rest {
		if len(el.props) == 0 {
			continue
		}
		for i := 0; i < el.count; i++ {
			if _, err := nextFields(sc); err != nil {
				return fmt.Errorf("%w: element %q row %d: %v", ErrMalformed, el.name, i, err)
			}
		}
	}
	return nil
}

func nextFields(sc *bufio.Scanner) ([]string, error) {
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 {
			return fields, nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.ErrUnexpectedEOF
}

// Encode writes the cloud as a binary little-endian PLY with a single vertex
// element.
func Encode(w io.Writer, c *Cloud) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat binary_little_endian 1.0\n")
	for _, cm := range c.Comments {
		fmt.Fprintf(bw, "comment %s\n", cm)
	}
	fmt.Fprintf(bw, "element vertex %d\n", c.Count)
	for _, p := range c.Properties {
		fmt.Fprintf(bw, "property %s %s\n", p.Type, p.Name)
	}
	fmt.Fprintf(bw, "end_header\n")
	if _, err := bw.Write(c.Data[:c.Count*c.Stride]); err != nil {
		return err
	}
	return bw.Flush()
}

// NewGaussianCloud allocates a zeroed float32 Gaussian cloud with n
// vertices and the given spherical-harmonics degree.
func NewGaussianCloud(n, shDegree int) *Cloud {
	names := append([]string{}, gaussianCore[:3]...)
	names = append(names, "nx", "ny", "nz")
	names = append(names, gaussianCore[3:6]...)
	rest := 3 * ((shDegree+1)*(shDegree+1) - 1)
	for i := 0; i < rest; i++ {
		names = append(names, fmt.Sprintf("f_rest_%d", i))
	}
	names = append(names, gaussianCore[6:]...)

	c := &Cloud{Source: FormatBinaryLittleEndian, Count: n}
	for i, name := range names {
		c.Properties = append(c.Properties, Property{Name: name, Type: TypeFloat32, Offset: i * 4})
	}
	c.Stride = len(names) * 4
	c.Data = make([]byte, n*c.Stride)
	c.buildIndex()
	return c
}
