package bitfield

// GDTAccess packs the access byte of a flat GDT descriptor: present bit,
// descriptor privilege level, the segment/system bit, and the four type
// bits (executable/conforming/readable-writable/accessed). The
// descriptor-table code uses this instead of hand-assembling the byte
// with shifts at every call site.
type GDTAccess struct {
	Accessed   bool   `bitfield:",1"`
	ReadWrite  bool   `bitfield:",1"`
	Conforming bool   `bitfield:",1"`
	Executable bool   `bitfield:",1"`
	CodeOrData bool   `bitfield:",1"` // S bit: 1 = code/data, 0 = system
	DPL        uint32 `bitfield:",2"`
	Present    bool   `bitfield:",1"`
}

// Pack returns the 8-bit access byte as described in the Intel SDM Vol.3,
// §3.4.5.
func (a GDTAccess) Pack() uint8 {
	v, err := Pack(a, &Config{NumBits: 8})
	if err != nil {
		// Every field of GDTAccess fits in 8 bits by construction; a
		// mismatch here means the struct was edited without updating
		// this comment.
		panic("bitfield: GDTAccess.Pack: " + err.Error())
	}
	return uint8(v)
}

// IDTAttr packs the type-attribute byte of an IDT gate descriptor: gate
// type (interrupt vs. trap), DPL, and the present bit.
type IDTAttr struct {
	GateType uint32 `bitfield:",4"`
	Zero     bool   `bitfield:",1"` // always 0 for 64-bit gates
	DPL      uint32 `bitfield:",2"`
	Present  bool   `bitfield:",1"`
}

const (
	IDTGateInterrupt64 = 0xE // 64-bit interrupt gate
	IDTGateTrap64      = 0xF // 64-bit trap gate
)

// Pack returns the 8-bit type-attribute byte.
func (a IDTAttr) Pack() uint8 {
	v, err := Pack(a, &Config{NumBits: 8})
	if err != nil {
		panic("bitfield: IDTAttr.Pack: " + err.Error())
	}
	return uint8(v)
}

// Unpack decodes a type-attribute byte back into its fields; used by tests
// and by diagnostic dumps that need to show a human-readable gate.
func UnpackIDTAttr(b uint8) IDTAttr {
	var a IDTAttr
	if err := Unpack(&a, uint64(b), &Config{NumBits: 8}); err != nil {
		panic("bitfield: UnpackIDTAttr: " + err.Error())
	}
	return a
}

// UnpackGDTAccess is the inverse of GDTAccess.Pack.
func UnpackGDTAccess(b uint8) GDTAccess {
	var a GDTAccess
	if err := Unpack(&a, uint64(b), &Config{NumBits: 8}); err != nil {
		panic("bitfield: UnpackGDTAccess: " + err.Error())
	}
	return a
}
