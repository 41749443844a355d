package dataport

// Region header layout. The payload starts at HeaderSize.
const (
	OFFSET_LOCK     = 0  // u64 owner token, 0 = free
	OFFSET_MAGIC    = 8  // u32, written last by the creator
	OFFSET_VERSION  = 12 // u32
	OFFSET_SIZE     = 16 // u64 payload size
	OFFSET_REFCOUNT = 24 // u32 attached handles

	HeaderSize = 64

	RegionMagic   uint32 = 0x54525044 // "DPRT"
	RegionVersion uint32 = 1
)
