package config

import (
	"os"
	"strings"
)

// AvailableQtyIncludesHeld switches allocation back to the legacy availability formula
// (on_hand - allocated), which ignores quarantine and hold quantities.
//
// Set via env:
// - AVAILABLE_QTY_INCLUDE_HELD=true
func AvailableQtyIncludesHeld() bool {
	return boolFromEnv("AVAILABLE_QTY_INCLUDE_HELD")
}

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
