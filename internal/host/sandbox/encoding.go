package sandbox

import (
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja"
)

// maxCodecInput bounds TextEncoder/TextDecoder inputs.
const maxCodecInput = 1 << 20 // 1 MiB

func (s *Sandbox) installTextCodecs() error {
	vm := s.vm

	encoderCtor := func(call goja.ConstructorCall) *goja.Object {
		obj := call.This
		_ = obj.Set("encoding", "utf-8")
		_ = obj.Set("encode", func(inner goja.FunctionCall) goja.Value {
			input := ""
			if len(inner.Arguments) > 0 {
				input = inner.Arguments[0].String()
			}
			if len(input) > maxCodecInput {
				s.throwJS("UnsupportedApi", "TextEncoder input exceeds 1 MiB")
			}
			buf := vm.NewArrayBuffer([]byte(input))
			u8Ctor, ok := goja.AssertConstructor(vm.Get("Uint8Array"))
			if !ok {
				s.throwJS("UnsupportedApi", "Uint8Array unavailable")
			}
			arr, err := u8Ctor(nil, vm.ToValue(buf))
			if err != nil {
				s.throwJS("UnsupportedApi", err.Error())
			}
			return arr
		})
		return nil
	}

	decoderCtor := func(call goja.ConstructorCall) *goja.Object {
		obj := call.This
		_ = obj.Set("encoding", "utf-8")
		_ = obj.Set("decode", func(inner goja.FunctionCall) goja.Value {
			if len(inner.Arguments) == 0 {
				return vm.ToValue("")
			}
			raw := codecBytes(inner.Arguments[0])
			if raw == nil {
				s.throwJS("UnsupportedApi", "TextDecoder expects a Uint8Array or ArrayBuffer")
			}
			if len(raw) > maxCodecInput {
				s.throwJS("UnsupportedApi", "TextDecoder input exceeds 1 MiB")
			}
			text := string(raw)
			if !utf8.ValidString(text) {
				text = strings.ToValidUTF8(text, "�")
			}
			return vm.ToValue(text)
		})
		return nil
	}

	if err := vm.Set("TextEncoder", encoderCtor); err != nil {
		return err
	}
	return vm.Set("TextDecoder", decoderCtor)
}

func codecBytes(v goja.Value) []byte {
	switch data := v.Export().(type) {
	case goja.ArrayBuffer:
		return data.Bytes()
	case []byte:
		return data
	}
	return nil
}
