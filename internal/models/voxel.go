package models

import "fmt"

// ScalarKind is the element type of a single voxel channel
type ScalarKind int

const (
	KindUnknown ScalarKind = iota
	KindUChar
	KindFloat
	KindDouble
)

// Size returns the size in bytes of one channel of this kind
func (k ScalarKind) Size() int {
	switch k {
	case KindUChar:
		return 1
	case KindFloat:
		return 4
	case KindDouble:
		return 8
	}
	return 0
}

func (k ScalarKind) String() string {
	switch k {
	case KindUChar:
		return "uchar"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	}
	return "unknown"
}

// VoxelType identifies the element layout of a volume: a scalar kind
// combined with a channel count between 1 and 4.
type VoxelType int

const (
	TypeUnknown VoxelType = iota
	TypeUChar
	TypeUChar2
	TypeUChar3
	TypeUChar4
	TypeFloat
	TypeFloat2
	TypeFloat3
	TypeFloat4
	TypeDouble
	TypeDouble2
	TypeDouble3
	TypeDouble4
)

// MakeVoxelType combines a scalar kind and a channel count into a VoxelType.
// Unsupported combinations return TypeUnknown.
func MakeVoxelType(kind ScalarKind, channels int) VoxelType {
	if channels < 1 || channels > 4 {
		return TypeUnknown
	}
	switch kind {
	case KindUChar:
		return TypeUChar + VoxelType(channels-1)
	case KindFloat:
		return TypeFloat + VoxelType(channels-1)
	case KindDouble:
		return TypeDouble + VoxelType(channels-1)
	}
	return TypeUnknown
}

// Kind returns the scalar kind of each channel
func (t VoxelType) Kind() ScalarKind {
	switch {
	case t >= TypeUChar && t <= TypeUChar4:
		return KindUChar
	case t >= TypeFloat && t <= TypeFloat4:
		return KindFloat
	case t >= TypeDouble && t <= TypeDouble4:
		return KindDouble
	}
	return KindUnknown
}

// Channels returns the number of components per voxel
func (t VoxelType) Channels() int {
	switch t.Kind() {
	case KindUChar:
		return int(t-TypeUChar) + 1
	case KindFloat:
		return int(t-TypeFloat) + 1
	case KindDouble:
		return int(t-TypeDouble) + 1
	}
	return 0
}

// ElementSize returns the size in bytes of a whole voxel
func (t VoxelType) ElementSize() int {
	return t.Kind().Size() * t.Channels()
}

func (t VoxelType) String() string {
	k := t.Kind()
	if k == KindUnknown {
		return "unknown"
	}
	if n := t.Channels(); n > 1 {
		return fmt.Sprintf("%s%d", k, n)
	}
	return k.String()
}
