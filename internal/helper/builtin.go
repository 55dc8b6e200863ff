package helper

import (
	"log/slog"
	"time"
)

// Built-in helper IDs, standing in for the platform helper set: packet
// length, monotonic clock read, debug print.
const (
	HelperPacketLength  uint8 = 1
	HelperMonotonicTime uint8 = 2
	HelperDebugPrint    uint8 = 3
)

// RegisterBuiltins binds the platform helper set into reg. packetLen is
// read lazily through the closure so the same registry can serve both
// Execute (no packet, always reports 0) and ExecuteOnPacket requests.
// An error here means reg was already seeded with a conflicting id,
// which is a caller bug: the built-in set is only ever registered once,
// against a freshly constructed Registry.
func RegisterBuiltins(reg *Registry, packetLen func() int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if err := reg.Register(HelperPacketLength, func(args [5]uint64) uint64 {
		if packetLen == nil {
			return 0
		}
		return uint64(packetLen())
	}); err != nil {
		return err
	}

	start := time.Now()
	if err := reg.Register(HelperMonotonicTime, func(args [5]uint64) uint64 {
		return uint64(time.Since(start).Nanoseconds())
	}); err != nil {
		return err
	}

	return reg.Register(HelperDebugPrint, func(args [5]uint64) uint64 {
		logger.Debug("helper: debug print", "r1", args[0], "r2", args[1])
		return 0
	})
}

// BuiltinNames maps each built-in helper ID to a short name, for
// diagnostics.
func BuiltinNames() map[uint8]string {
	return map[uint8]string{
		HelperPacketLength:  "packet_length",
		HelperMonotonicTime: "monotonic_time",
		HelperDebugPrint:    "debug_print",
	}
}
