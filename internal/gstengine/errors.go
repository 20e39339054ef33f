package gstengine

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies pipeline bus errors for telemetry.
type ErrorCategory int

const (
	// ErrCategoryNetwork covers query client failures: refused, timed out, unreachable.
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryModel covers tensor_filter failures: missing model file, unknown framework.
	ErrCategoryModel
	// ErrCategoryCaps covers negotiation and decoding failures.
	ErrCategoryCaps
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryModel:
		return "model"
	case ErrCategoryCaps:
		return "caps"
	default:
		return "unknown"
	}
}

var (
	modelKeywords = []string{
		"tensor_filter",
		"model",
		"tflite",
		"tensorflow",
		"framework",
		"invoke",
	}
	capsKeywords = []string{
		"not negotiated",
		"negotiation",
		"caps",
		"jpeg",
		"decode",
		"format",
		"dimension",
	}
	networkKeywords = []string{
		"tensor_query",
		"connection",
		"connect",
		"timeout",
		"timed out",
		"unreachable",
		"refused",
		"socket",
		"network",
		"host",
	}
)

// ClassifyGStreamerError categorizes a bus error message.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return Classify(gerr.Error(), gerr.DebugString())
}

// Classify categorizes an error by message heuristics. Model errors are
// checked first since filter messages often mention caps as well.
//
// go-gst's GError does not expose the error domain, so only the text is used.
func Classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	switch {
	case containsAny(combined, modelKeywords):
		return ErrCategoryModel
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	case containsAny(combined, capsKeywords):
		return ErrCategoryCaps
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
