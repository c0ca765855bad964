package dwd

// Keyset is the 4-tuple used by the DWD keyed handshake (spec.md §4.8).
type Keyset struct {
	Key1 [16]byte
	Key2 uint16
	Key3 [16]byte
	Key4 uint16
}

// autoTryOrder is the stable order Connect walks through when the caller
// selects the "auto" keyset (spec.md §9: "iteration order... should be
// stable and documented").
var autoTryOrder = []string{"service", "lg", "panasonic"}

// BuiltinKeysetOrder is the full stable listing of named keysets,
// including "auto" itself (a zero keyset, never used directly by Connect
// — see autoTryOrder).
var BuiltinKeysetOrder = []string{"auto", "service", "lg", "panasonic"}

// BuiltinKeysets are the named keysets shipped with the library.
var BuiltinKeysets = map[string]Keyset{
	"auto":      {},
	"service":   {Key2: 0x0000, Key4: 0x0000},
	"lg":        {Key2: 0x4C47, Key4: 0x0001}, // "LG" in ASCII, distinguishing tag only
	"panasonic": {Key2: 0x5041, Key4: 0x0002}, // "PA" in ASCII, distinguishing tag only
}

func init() {
	for _, name := range autoTryOrder {
		ks := BuiltinKeysets[name]
		for j := range ks.Key1 {
			ks.Key1[j] = byte(j)
		}
		for j := range ks.Key3 {
			ks.Key3[j] = byte(0xF0 | byte(j))
		}
		BuiltinKeysets[name] = ks
	}
}
