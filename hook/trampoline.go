package hook

import "encoding/binary"

// TrampolineTemplate is a trampoline "shape" as a value, per Design Notes
// §9: a fixed byte blob (header placeholder + machine-code body) whose
// RIP-relative operands already reference header fields by the header's
// fixed negative offset from the body start. Because every allocation uses
// the same headerSize, a template's bytes never need per-install patching;
// install() only overwrites the header's data fields after copying the
// template in.
type TrampolineTemplate struct {
	// Bytes is headerSize of zeroed header space followed by the body's
	// machine code.
	Bytes []byte
}

// Size is the total allocation size this template needs.
func (t TrampolineTemplate) Size() uintptr { return uintptr(len(t.Bytes)) }

// EntryHookTemplate is the floor variant from spec.md §4.3: on entry it
// saves the four integer argument registers (RCX, RDX, R8, R9) used by the
// Microsoft x64 calling convention, calls fn_new with the same arguments,
// restores them, and tail-jumps into fn_hooked. fn_new and fn_hooked are
// loaded via fixed RIP-relative displacements into the header fields that
// precede the body.
//
// Byte layout (offsets relative to body start, i.e. headerSize bytes into
// the allocation):
//
//	00: 48 83 EC 48                sub  rsp, 0x48        ; shadow space + saved args + align
//	04: 48 89 4C 24 20             mov  [rsp+0x20], rcx
//	09: 48 89 54 24 28             mov  [rsp+0x28], rdx
//	0E: 4C 89 44 24 30             mov  [rsp+0x30], r8
//	13: 4C 89 4C 24 38             mov  [rsp+0x38], r9
//	18: 48 8B 05 <d32>             mov  rax, [rip+d32]    ; rax = fn_new   (d32 -> offFnNew-headerSize)
//	1F: FF D0                      call rax
//	21: 48 8B 4C 24 20             mov  rcx, [rsp+0x20]
//	26: 48 8B 54 24 28             mov  rdx, [rsp+0x28]
//	2B: 4C 8B 44 24 30             mov  r8, [rsp+0x30]
//	30: 4C 8B 4C 24 38             mov  r9, [rsp+0x38]
//	35: 48 83 C4 48                add  rsp, 0x48
//	39: 48 8B 05 <d32>             mov  rax, [rip+d32]    ; rax = fn_hooked (d32 -> offFnHooked-headerSize)
//	40: FF E0                      jmp  rax
func EntryHookTemplate() TrampolineTemplate {
	body := make([]byte, 0, 32)
	body = append(body, 0x48, 0x83, 0xEC, 0x48)
	body = append(body, 0x48, 0x89, 0x4C, 0x24, 0x20)
	body = append(body, 0x48, 0x89, 0x54, 0x24, 0x28)
	body = append(body, 0x4C, 0x89, 0x44, 0x24, 0x30)
	body = append(body, 0x4C, 0x89, 0x4C, 0x24, 0x38)
	body = append(body, 0x48, 0x8B, 0x05)
	body = appendDisp32(body, ripDisplacement(len(body)+4, offFnNew))
	body = append(body, 0xFF, 0xD0)
	body = append(body, 0x48, 0x8B, 0x4C, 0x24, 0x20)
	body = append(body, 0x48, 0x8B, 0x54, 0x24, 0x28)
	body = append(body, 0x4C, 0x8B, 0x44, 0x24, 0x30)
	body = append(body, 0x4C, 0x8B, 0x4C, 0x24, 0x38)
	body = append(body, 0x48, 0x83, 0xC4, 0x48)
	body = append(body, 0x48, 0x8B, 0x05)
	body = appendDisp32(body, ripDisplacement(len(body)+4, offFnHooked))
	body = append(body, 0xFF, 0xE0)

	buf := make([]byte, headerSize+len(body))
	copy(buf[headerSize:], body)
	return TrampolineTemplate{Bytes: buf}
}

// ripDisplacement computes the disp32 for a RIP-relative load at
// instructionEndOffset (the byte offset, relative to the body start, of the
// byte immediately following the 4-byte displacement) that reaches the
// header field at headerFieldOffset bytes into the header. Since the header
// immediately precedes the body, the field's position relative to the body
// start is headerFieldOffset-headerSize, a negative number.
func ripDisplacement(instructionEndOffset int, headerFieldOffset uintptr) int32 {
	fieldRelToBody := int64(headerFieldOffset) - int64(headerSize)
	return int32(fieldRelToBody - int64(instructionEndOffset))
}

func appendDisp32(buf []byte, d int32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(d))
	return append(buf, tmp[:]...)
}
