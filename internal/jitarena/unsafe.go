package jitarena

import "unsafe"

func unsafeBase(mem []byte) unsafe.Pointer {
	if len(mem) == 0 {
		return nil
	}
	return unsafe.Pointer(&mem[0])
}
