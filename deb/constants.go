package deb

// Suffix is the canonical extension of Debian binary packages.
const Suffix = ".deb"

// ControlField represents a standard field in a Debian control file.
type ControlField string

const (
	FieldPackage      ControlField = "Package"
	FieldVersion      ControlField = "Version"
	FieldArchitecture ControlField = "Architecture"
)

// ControlFile represents a standard file found in the control.tar.gz archive.
type ControlFile string

const (
	FileControl ControlFile = "control"
)

// PackageFile represents a standard file found in the .deb archive (ar format).
type PackageFile string

const (
	PkgDebianBinary PackageFile = "debian-binary"
	PkgControlTarGz PackageFile = "control.tar.gz"
	PkgDataTarGz    PackageFile = "data.tar.gz"
)
