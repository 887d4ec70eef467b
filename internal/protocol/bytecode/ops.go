package bytecode

// Opcodes used by brickctl itself. Device-specific helpers live with their
// callers; this is the minimum for probing, telemetry and stopping.
const (
	OpNop         = byte(0x01)
	OpProgramStop = byte(0x02)
	OpUIRead      = byte(0x81)
	OpOutputStop  = byte(0xA3)
)

// opUI_READ sub-commands.
const (
	UIReadGetVBatt = 0x01
	UIReadGetLBatt = 0x12
)

const (
	// UserSlot is the program slot user programs run in.
	UserSlot = 1
	// AllPorts addresses motor ports A-D at once.
	AllPorts = 0x0F
)

// Probe is a direct command that does nothing but elicit a reply.
func Probe() []byte {
	b, _ := NewDirect(0, 0).Op(OpNop).Bytes()
	return b
}

// StopAll stops every motor on the master layer (brake when brake is true)
// and then stops the user program slot.
func StopAll(brake bool) []byte {
	br := int32(0)
	if brake {
		br = 1
	}
	b, _ := NewDirect(0, 0).
		Op(OpOutputStop).Const(0).Const(AllPorts).Const(br).
		Op(OpProgramStop).Const(UserSlot).
		Bytes()
	return b
}

// ReadBatteryVoltage reads the battery voltage into global offset 0 as a
// little-endian float32.
func ReadBatteryVoltage() []byte {
	b, _ := NewDirect(4, 0).Op(OpUIRead).Const(UIReadGetVBatt).Global(0).Bytes()
	return b
}

// ReadBatteryLevel reads the battery level percentage into global offset 0.
func ReadBatteryLevel() []byte {
	b, _ := NewDirect(1, 0).Op(OpUIRead).Const(UIReadGetLBatt).Global(0).Bytes()
	return b
}
