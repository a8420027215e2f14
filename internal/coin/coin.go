package coin

import (
	"fmt"
	"strconv"
	"strings"
)

// Type 是链的 SLIP-44 风格编号，仅作为查找键。
type Type uint32

// String 返回十进制编号。
func (t Type) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// ParseType 解析十进制编号。
func ParseType(raw string) (Type, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid coin type %q: %w", raw, err)
	}
	return Type(v), nil
}

// Curve 描述链使用的签名曲线。
type Curve uint8

const (
	CurveSecp256k1 Curve = iota
	CurveEd25519
	CurveEd25519Blake2bNano
	CurveEd25519ExtendedCardano
	CurveStarkex
	CurveNist256p1
	CurveCurve25519
)

var curveNames = map[Curve]string{
	CurveSecp256k1:              "secp256k1",
	CurveEd25519:                "ed25519",
	CurveEd25519Blake2bNano:     "ed25519-blake2b-nano",
	CurveEd25519ExtendedCardano: "ed25519-extended-cardano",
	CurveStarkex:                "starkex",
	CurveNist256p1:              "nist256p1",
	CurveCurve25519:             "curve25519",
}

func (c Curve) String() string {
	if name, ok := curveNames[c]; ok {
		return name
	}
	return "curve(" + strconv.Itoa(int(c)) + ")"
}

// ParseCurve 将配置中的曲线名称映射为常量。
func ParseCurve(raw string) (Curve, error) {
	for c, name := range curveNames {
		if name == raw {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown curve %q", raw)
}

// Family 描述链的交易模型。
type Family uint8

const (
	FamilyAccount Family = iota
	FamilyUTXO
)

func (f Family) String() string {
	if f == FamilyUTXO {
		return "utxo"
	}
	return "account"
}

// ParseFamily 解析交易模型名称。
func ParseFamily(raw string) (Family, error) {
	switch raw {
	case "utxo":
		return FamilyUTXO, nil
	case "account":
		return FamilyAccount, nil
	default:
		return 0, fmt.Errorf("unknown family %q", raw)
	}
}

// Capability 是链声明支持的操作集合。
type Capability uint8

const (
	CapabilitySign Capability = 1 << iota
	CapabilityPlan
	CapabilitySignJSON
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapabilitySign, "sign"},
	{CapabilityPlan, "plan"},
	{CapabilitySignJSON, "sign_json"},
}

// Has 判断集合是否包含全部指定能力。
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// Names 按固定顺序返回能力名称。
func (c Capability) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for _, entry := range capabilityNames {
		if c.Has(entry.cap) {
			names = append(names, entry.name)
		}
	}
	return names
}

func (c Capability) String() string {
	return strings.Join(c.Names(), "|")
}

// ParseCapabilities 将名称列表合并为能力集合。
func ParseCapabilities(raw []string) (Capability, error) {
	var set Capability
	for _, name := range raw {
		found := false
		for _, entry := range capabilityNames {
			if entry.name == name {
				set |= entry.cap
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown capability %q", name)
		}
	}
	return set, nil
}

// Descriptor 是单条链的静态描述，构建后不可变。
type Descriptor struct {
	Type          Type
	Name          string
	Symbol        string
	Decimals      int32
	Curve         Curve
	Family        Family
	Capabilities  Capability
	DustThreshold int64
}

// Supports 判断描述是否声明了指定能力。
func (d Descriptor) Supports(c Capability) bool {
	return d.Capabilities.Has(c)
}
