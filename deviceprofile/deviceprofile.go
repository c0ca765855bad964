// Package deviceprofile loads per-device overrides (DWD keysets, flash
// region maps) from an INI file, falling back to built-in defaults.
//
// Grounded on the teacher's od_parser.go, which loads a CANopen Electronic
// Data Sheet from an INI-formatted file via gopkg.in/ini.v1 and populates a
// typed in-memory object dictionary; here the same library loads a much
// smaller device profile instead of an EDS.
package deviceprofile

import (
	"fmt"
	"sort"

	"github.com/siemens-mobile-hacks/sieserial/dwd"
	"github.com/siemens-mobile-hacks/sieserial/flashmap"
	"gopkg.in/ini.v1"
)

// Profile is a named device's overrides.
type Profile struct {
	Keysets   map[string]dwd.Keyset
	FlashMap  []flashmap.Region
	KeysetSeq []string // stable iteration order for "auto" keyset selection
}

// Default returns the built-in profile: the stock DWD keysets in their
// documented order, and no flash region overrides.
func Default() *Profile {
	p := &Profile{
		Keysets: make(map[string]dwd.Keyset, len(dwd.BuiltinKeysets)),
	}
	for _, name := range dwd.BuiltinKeysetOrder {
		p.Keysets[name] = dwd.BuiltinKeysets[name]
		p.KeysetSeq = append(p.KeysetSeq, name)
	}
	return p
}

// Load reads a device profile from an INI file at path. An empty path
// returns Default() without touching the filesystem.
//
// Recognized sections:
//
//	[keyset.<name>]
//	key1 = <32 hex chars>
//	key2 = <hex u16>
//	key3 = <32 hex chars>
//	key4 = <hex u16>
//
//	[flash.<n>]
//	addr = <hex u32>
//	size = <hex u32>
//	erase_size = <hex u32>
func Load(path string) (*Profile, error) {
	if path == "" {
		return Default(), nil
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("deviceprofile: loading %s: %w", path, err)
	}

	profile := Default()
	var flashSections []string

	for _, section := range cfg.Sections() {
		name := section.Name()
		switch {
		case len(name) > len("keyset.") && name[:len("keyset.")] == "keyset.":
			keysetName := name[len("keyset."):]
			ks, err := parseKeyset(section)
			if err != nil {
				return nil, fmt.Errorf("deviceprofile: section %s: %w", name, err)
			}
			if _, exists := profile.Keysets[keysetName]; !exists {
				profile.KeysetSeq = append(profile.KeysetSeq, keysetName)
			}
			profile.Keysets[keysetName] = ks
		case len(name) > len("flash.") && name[:len("flash.")] == "flash.":
			flashSections = append(flashSections, name)
		}
	}

	sort.Strings(flashSections)
	for _, name := range flashSections {
		section := cfg.Section(name)
		region := flashmap.Region{
			Addr:      hexU32(section.Key("addr").String()),
			Size:      hexU32(section.Key("size").String()),
			EraseSize: hexU32(section.Key("erase_size").String()),
		}
		profile.FlashMap = append(profile.FlashMap, region)
	}
	profile.FlashMap = flashmap.Sorted(profile.FlashMap)

	return profile, nil
}

func parseKeyset(section *ini.Section) (dwd.Keyset, error) {
	var ks dwd.Keyset
	key1, err := hexBytes(section.Key("key1").String(), 16)
	if err != nil {
		return ks, fmt.Errorf("key1: %w", err)
	}
	key3, err := hexBytes(section.Key("key3").String(), 16)
	if err != nil {
		return ks, fmt.Errorf("key3: %w", err)
	}
	copy(ks.Key1[:], key1)
	copy(ks.Key3[:], key3)
	ks.Key2 = uint16(hexU32(section.Key("key2").String()))
	ks.Key4 = uint16(hexU32(section.Key("key4").String()))
	return ks, nil
}

func hexU32(s string) uint32 {
	var v uint32
	fmt.Sscanf(s, "%x", &v)
	return v
}

func hexBytes(s string, n int) ([]byte, error) {
	out := make([]byte, n)
	if s == "" {
		return out, nil
	}
	if len(s) != n*2 {
		return nil, fmt.Errorf("expected %d hex chars, got %d", n*2, len(s))
	}
	for i := 0; i < n; i++ {
		var b uint32
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%x", &b); err != nil {
			return nil, err
		}
		out[i] = byte(b)
	}
	return out, nil
}
