package encodbin

import "encoding/binary"

// Byte orders used by the on-wire instruction codecs. Every tagged
// instruction payload in the Arch runtime is little-endian.
var LE binary.ByteOrder = binary.LittleEndian
var BE binary.ByteOrder = binary.BigEndian
