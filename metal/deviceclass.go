package metal

// DeviceClass is the performance tier of a GPU, derived from the trailing
// letter of its architecture identifier ("applegpu_g16d" is an Ultra
// class part, "applegpu_g16g" a base one).
type DeviceClass int

//go:generate enumer -type=DeviceClass -trimprefix=DeviceClass -transform=snake -text deviceclass.go

const (
	DeviceClassBase DeviceClass = iota
	DeviceClassPro
	DeviceClassMax
	DeviceClassUltra
)

// classFromArchitecture maps an architecture identifier to its class.
// Unknown suffixes fall back to the base class.
func classFromArchitecture(arch string) DeviceClass {
	if arch == "" {
		return DeviceClassBase
	}
	switch arch[len(arch)-1] {
	case 'd':
		return DeviceClassUltra
	case 'c':
		return DeviceClassMax
	case 's':
		return DeviceClassPro
	default:
		return DeviceClassBase
	}
}

// Largest reports whether this is the top device class, which the
// attention strategy selector treats as high-throughput enough to favor
// the block-reduced path on long key sequences.
func (c DeviceClass) Largest() bool {
	return c == DeviceClassUltra
}
