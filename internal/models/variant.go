package models

// Variant is the closed set of backup pipeline shapes.
type Variant int

const (
	VariantRescue Variant = iota
	VariantDirectToCloud
	VariantDirectToCloudPrepare
	VariantAgentlessGeneric
	VariantWindowsShadowSnap
	VariantWindowsNative
	VariantLinux
	VariantMac
	VariantAgentlessWindows
	VariantAgentlessLinux
	VariantShare
	VariantExternalNASShare

	variantCount
)

// NumVariants is the number of declared variants.
const NumVariants = int(variantCount)

var variantNames = [variantCount]string{
	VariantRescue:               "rescue",
	VariantDirectToCloud:        "direct-to-cloud",
	VariantDirectToCloudPrepare: "direct-to-cloud-prepare",
	VariantAgentlessGeneric:     "agentless-generic",
	VariantWindowsShadowSnap:    "windows-shadowsnap",
	VariantWindowsNative:        "windows-native",
	VariantLinux:                "linux",
	VariantMac:                  "mac",
	VariantAgentlessWindows:     "agentless-windows",
	VariantAgentlessLinux:       "agentless-linux",
	VariantShare:                "share",
	VariantExternalNASShare:     "external-nas-share",
}

// AllVariants lists every variant in declaration order.
func AllVariants() []Variant {
	out := make([]Variant, 0, variantCount)
	for v := Variant(0); v < variantCount; v++ {
		out = append(out, v)
	}
	return out
}

// Valid reports whether v is a declared variant.
func (v Variant) Valid() bool {
	return v >= 0 && v < variantCount
}

func (v Variant) String() string {
	if !v.Valid() {
		return "unknown"
	}
	return variantNames[v]
}

// Agentless reports whether the variant images through a hypervisor.
func (v Variant) Agentless() bool {
	switch v {
	case VariantAgentlessGeneric, VariantAgentlessWindows, VariantAgentlessLinux:
		return true
	}
	return false
}
