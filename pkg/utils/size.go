package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	Byte     int64 = 1
	KiloByte int64 = 1024
	MegaByte int64 = 1024 * 1024
	GigaByte int64 = 1024 * 1024 * 1024
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseDataSize parses sizes such as "512KB", "8MiB" or "1G" into bytes.
// KB/MB/GB are decimal; K/M/G and KiB/MiB/GiB are binary. Body limits never
// need more than gigabytes, so larger units are refused.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("size cannot be negative")
		}
		return val, nil
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '512KB', '8MiB')", sizeStr)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier := getMultiplier(strings.ToUpper(matches[2]))
	if multiplier == 0 {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, KiB, MiB, GiB)", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// FormatDataSize renders bytes using binary units
func FormatDataSize(bytes int64) string {
	switch {
	case bytes < 0:
		return "invalid"
	case bytes < KiloByte:
		return fmt.Sprintf("%d B", bytes)
	case bytes < MegaByte:
		return formatUnit(bytes, KiloByte, "KB")
	case bytes < GigaByte:
		return formatUnit(bytes, MegaByte, "MB")
	default:
		return formatUnit(bytes, GigaByte, "GB")
	}
}

func formatUnit(bytes, div int64, unit string) string {
	value := float64(bytes) / float64(div)
	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, unit)
	}
	return fmt.Sprintf("%.1f %s", value, unit)
}

func getMultiplier(unit string) int64 {
	switch unit {
	case "B", "BYTE", "BYTES":
		return Byte
	case "KB":
		return 1000
	case "MB":
		return 1000 * 1000
	case "GB":
		return 1000 * 1000 * 1000
	case "KIB", "K":
		return KiloByte
	case "MIB", "M":
		return MegaByte
	case "GIB", "G":
		return GigaByte
	default:
		return 0
	}
}
