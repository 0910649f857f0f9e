package domain

import "strings"

// SellStatus is the closed classification of a marketplace "is this still for
// sale" answer. Anything the payload cannot prove stays UNKNOWN; callers must
// never guess from raw fields themselves.
type SellStatus int

const (
	SellStatusUnknown SellStatus = iota
	SellStatusSelling
	SellStatusSold
)

func (s SellStatus) String() string {
	switch s {
	case SellStatusSelling:
		return "selling"
	case SellStatusSold:
		return "sold"
	default:
		return "unknown"
	}
}

// Key spellings observed across marketplace payload variants. New spellings
// go here, not into call sites.
var (
	statusStringKeys = []string{"status", "state", "selling_status", "item_status", "sale_status", "substatus"}
	soldBoolKeys     = []string{"is_sold", "sold", "sold_flag", "sold_out_flag"}
	sellingBoolKeys  = []string{"is_selling", "on_sale", "is_on_sale", "is_available"}
	quantityKeys     = []string{"quantity", "stock", "num_in_stock"}
)

var sellStatusWords = map[string]SellStatus{
	"selling":   SellStatusSelling,
	"on_sale":   SellStatusSelling,
	"onsale":    SellStatusSelling,
	"for_sale":  SellStatusSelling,
	"active":    SellStatusSelling,
	"live":      SellStatusSelling,
	"open":      SellStatusSelling,
	"available": SellStatusSelling,
	"sold":      SellStatusSold,
	"sold_out":  SellStatusSold,
	"soldout":   SellStatusSold,
	"trading":   SellStatusSold,
	"purchased": SellStatusSold,
	"complete":  SellStatusSold,
	"completed": SellStatusSold,
	// Withdrawn or hidden listings are not sold. They stay UNKNOWN so the
	// engine never converts a seller pausing a listing into a sale.
	"stop":      SellStatusUnknown,
	"stopped":   SellStatusUnknown,
	"inactive":  SellStatusUnknown,
	"suspended": SellStatusUnknown,
	"cancelled": SellStatusUnknown,
	"draft":     SellStatusUnknown,
}

// NormalizeSellStatus maps one raw marketplace item payload to the closed
// enum. Precedence: explicit status words, then boolean sold/selling flags,
// then stock counts. Unrecognized shapes come back UNKNOWN.
func NormalizeSellStatus(payload map[string]any) SellStatus {
	if payload == nil {
		return SellStatusUnknown
	}

	if word, ok := firstString(payload, statusStringKeys); ok {
		normalized := strings.ToLower(strings.TrimSpace(word))
		normalized = strings.ReplaceAll(normalized, " ", "_")
		normalized = strings.ReplaceAll(normalized, "-", "_")
		if status, known := sellStatusWords[normalized]; known {
			return status
		}
		return SellStatusUnknown
	}

	if sold, ok := firstBool(payload, soldBoolKeys); ok {
		if sold {
			return SellStatusSold
		}
		return SellStatusSelling
	}

	if selling, ok := firstBool(payload, sellingBoolKeys); ok {
		if selling {
			return SellStatusSelling
		}
		// A false selling flag alone cannot distinguish sold from withdrawn.
		return SellStatusUnknown
	}

	if qty, ok := firstNumber(payload, quantityKeys); ok {
		if qty <= 0 {
			return SellStatusSold
		}
		return SellStatusSelling
	}

	return SellStatusUnknown
}

func firstString(payload map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		if raw, ok := payload[key]; ok {
			if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
	}
	return "", false
}

func firstBool(payload map[string]any, keys []string) (bool, bool) {
	for _, key := range keys {
		if raw, ok := payload[key]; ok {
			switch v := raw.(type) {
			case bool:
				return v, true
			case string:
				switch strings.ToLower(strings.TrimSpace(v)) {
				case "true", "1", "yes":
					return true, true
				case "false", "0", "no":
					return false, true
				}
			}
		}
	}
	return false, false
}

func firstNumber(payload map[string]any, keys []string) (float64, bool) {
	for _, key := range keys {
		if raw, ok := payload[key]; ok {
			switch v := raw.(type) {
			case float64:
				return v, true
			case int:
				return float64(v), true
			case int64:
				return float64(v), true
			}
		}
	}
	return 0, false
}
