package f01

import "fmt"

// Opcode is the first byte of every command block.
type Opcode byte

// Command opcodes. Values are fixed by the camera firmware.
const (
	OpSetTime  Opcode = 0xC0 // Set camera clock (never confirmed working)
	OpLoad     Opcode = 0xC2 // Select an object for download
	OpDownload Opcode = 0xC4 // Read a chunk of the selected object
	OpQuery    Opcode = 0xC6 // Query camera state
)

func (o Opcode) String() string {
	switch o {
	case OpSetTime:
		return "SetTime"
	case OpLoad:
		return "Load"
	case OpDownload:
		return "Download"
	case OpQuery:
		return "Query"
	default:
		return fmt.Sprintf("Opcode(0x%02X)", byte(o))
	}
}

// QueryType selects what a Query command reports.
type QueryType byte

const (
	QuerySize    QueryType = 0 // Content length of the loaded object (u32)
	QueryTime    QueryType = 3 // Camera clock (7 × u16)
	QueryBattery QueryType = 6 // Battery percent (f32)
)

// LoadKind selects the object class of a Load command.
type LoadKind byte

const (
	LoadHardwareInfo         LoadKind = 0
	LoadFile                 LoadKind = 1
	LoadPictureList          LoadKind = 2
	LoadPicture              LoadKind = 5
	LoadCalibration          LoadKind = 6
	LoadRawCompressedPicture LoadKind = 7
)

var loadKindNames = map[LoadKind]string{
	LoadHardwareInfo:         "hardware_info",
	LoadFile:                 "file",
	LoadPictureList:          "picture_list",
	LoadPicture:              "picture",
	LoadCalibration:          "calibration",
	LoadRawCompressedPicture: "raw_compressed_picture",
}

func (k LoadKind) String() string {
	if n, ok := loadKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("LoadKind(%d)", byte(k))
}

// Valid reports whether k is one of the known load kinds.
func (k LoadKind) Valid() bool {
	_, ok := loadKindNames[k]
	return ok
}

// ParseLoadKind maps a kind name such as "picture_list" to its LoadKind.
func ParseLoadKind(s string) (LoadKind, error) {
	for k, n := range loadKindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown load kind %q", s)
}

// PictureFormat selects which rendition of a picture a picture Load returns.
// It is appended to the picture id as a single byte.
type PictureFormat int

const (
	FormatNone      PictureFormat = -1
	FormatJPEG      PictureFormat = 0
	FormatRAW       PictureFormat = 1
	FormatTXT       PictureFormat = 2
	FormatThumbnail PictureFormat = 3 // 128×128 YUYV thumbnail
	FormatStack     PictureFormat = 4
)

var pictureFormatNames = []string{"jpg", "raw", "txt", "128", "stk"}

func (f PictureFormat) String() string {
	if f >= 0 && int(f) < len(pictureFormatNames) {
		return pictureFormatNames[f]
	}
	return "none"
}

// ParsePictureFormat maps "jpg", "raw", "txt", "128" or "stk" to a PictureFormat.
func ParsePictureFormat(s string) (PictureFormat, error) {
	for i, n := range pictureFormatNames {
		if n == s {
			return PictureFormat(i), nil
		}
	}
	return FormatNone, fmt.Errorf("unknown picture format %q", s)
}

// PictureFormatNames returns the format names in wire order.
func PictureFormatNames() []string {
	return append([]string(nil), pictureFormatNames...)
}

// Sizes of fixed wire structures.
const (
	CommandSize       = 16
	ParamsSize        = CommandSize - 1
	HardwareInfoSize  = 256 + 128 + 128 + 128 + 4
	PictureRecordSize = 128
	pictureListHeader = 12
	pictureIndexEntry = 8
)

// MaxTransfer is the largest payload the camera returns in one transfer,
// whatever the transport could carry.
const MaxTransfer = 1 << 15

// downloadSelector is the params[1] value the camera expects on Download.
const downloadSelector = 1

// setTimeSelector is the params[1] value sent with SetTime.
const setTimeSelector = 4
