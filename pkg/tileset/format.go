package tileset

import (
	"bytes"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
)

// Tile payload formats recognized by DetectFormat.
var (
	FormatB3DM = filetype.NewType("b3dm", "application/octet-stream")
	FormatI3DM = filetype.NewType("i3dm", "application/octet-stream")
	FormatPNTS = filetype.NewType("pnts", "application/octet-stream")
	FormatCMPT = filetype.NewType("cmpt", "application/octet-stream")
	FormatGLB  = filetype.NewType("glb", "model/gltf-binary")
	FormatJSON = filetype.NewType("json", "application/json")
)

func init() {
	filetype.AddMatcher(FormatB3DM, magic("b3dm"))
	filetype.AddMatcher(FormatI3DM, magic("i3dm"))
	filetype.AddMatcher(FormatPNTS, magic("pnts"))
	filetype.AddMatcher(FormatCMPT, magic("cmpt"))
	filetype.AddMatcher(FormatGLB, magic("glTF"))
}

func magic(m string) func([]byte) bool {
	return func(buf []byte) bool {
		return len(buf) >= len(m) && string(buf[:len(m)]) == m
	}
}

// DetectFormat classifies a tile payload by its content. Unrecognized
// payloads return filetype.Unknown.
func DetectFormat(body []byte) types.Type {
	if kind, err := filetype.Match(body); err == nil && kind != filetype.Unknown {
		return kind
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return filetype.Unknown
}
