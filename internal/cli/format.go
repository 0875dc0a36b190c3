package cli

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// FormatCurrency formats an amount with thousands separators and two
// decimals, e.g. $1,234,567.89.
func FormatCurrency(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")

	result := "$" + groupThousands(parts[0]) + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

// groupThousands inserts a comma every three digits from the right.
func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	var sb strings.Builder
	head := n % 3
	if head > 0 {
		sb.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatPnL formats P&L with sign.
func FormatPnL(pnl float64) string {
	formatted := FormatCurrency(pnl)
	if pnl > 0 {
		return "+" + formatted
	}
	return formatted
}

// FormatQuantity formats a signed quantity, dropping the fraction when it is
// whole.
func FormatQuantity(qty float64) string {
	if qty == math.Trunc(qty) && math.Abs(qty) < 1e15 {
		s := groupThousands(fmt.Sprintf("%d", int64(math.Abs(qty))))
		if qty < 0 {
			return "-" + s
		}
		return s
	}
	return fmt.Sprintf("%.4f", qty)
}

// FormatPrice formats a price with appropriate decimal places.
func FormatPrice(price float64) string {
	if price >= 10 {
		return fmt.Sprintf("%.2f", price)
	}
	return fmt.Sprintf("%.4f", price)
}

// FormatRatio formats a ratio such as Sharpe, showing infinity as "inf".
func FormatRatio(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.2f", v)
}

// FormatTime formats a timestamp in UTC.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// TruncateString truncates a string to max length with ellipsis.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// PadRight pads a string to the right.
func PadRight(s string, length int) string {
	if len(s) >= length {
		return s
	}
	return s + strings.Repeat(" ", length-len(s))
}
