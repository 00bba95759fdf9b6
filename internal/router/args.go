package router

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"melutils/internal/platform"
)

// ParseUser accepts <@id>, <@!id> or a bare id.
func ParseUser(s string) (platform.ID, error) {
	return parseMention(s, "user", "<@!", "<@")
}

// ParseChannel accepts <#id> or a bare id.
func ParseChannel(s string) (platform.ID, error) {
	return parseMention(s, "channel", "<#")
}

// ParseRole accepts <@&id> or a bare id.
func ParseRole(s string) (platform.ID, error) {
	return parseMention(s, "role", "<@&")
}

func parseMention(s, what string, prefixes ...string) (platform.ID, error) {
	raw := strings.TrimSpace(s)
	for _, p := range prefixes {
		if strings.HasPrefix(raw, p) && strings.HasSuffix(raw, ">") {
			raw = raw[len(p) : len(raw)-1]
			break
		}
	}
	id, err := platform.ParseID(raw)
	if err != nil || id == 0 {
		return 0, Errorf("`%s` is not a valid %s.", s, what)
	}
	return id, nil
}

// ParseEmoji accepts a custom emoji (<:name:id>, <a:name:id>) or its bare id.
func ParseEmoji(s string) (platform.Emoji, error) {
	raw := strings.TrimSpace(s)
	if id, err := platform.ParseID(raw); err == nil && id != 0 {
		return platform.Emoji{ID: id}, nil
	}
	if !strings.HasPrefix(raw, "<") || !strings.HasSuffix(raw, ">") {
		return platform.Emoji{}, Errorf("`%s` is not a custom emoji.", s)
	}
	parts := strings.Split(raw[1:len(raw)-1], ":")
	if len(parts) != 3 || (parts[0] != "" && parts[0] != "a") {
		return platform.Emoji{}, Errorf("`%s` is not a custom emoji.", s)
	}
	id, err := platform.ParseID(parts[2])
	if err != nil || id == 0 {
		return platform.Emoji{}, Errorf("`%s` is not a custom emoji.", s)
	}
	return platform.Emoji{ID: id, Name: parts[1], Animated: parts[0] == "a"}, nil
}

var durationUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseDuration reads chat durations such as "90m", "1d12h" or "2w". Go
// duration strings are accepted as well.
func ParseDuration(s string) (time.Duration, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d, nil
	}
	var total time.Duration
	for raw != "" {
		i := 0
		for i < len(raw) && raw[i] >= '0' && raw[i] <= '9' {
			i++
		}
		if i == 0 || i == len(raw) {
			return 0, Errorf("`%s` is not a valid duration. Try something like `1d12h`.", s)
		}
		unit, ok := durationUnits[raw[i]]
		if !ok {
			return 0, Errorf("`%s` is not a valid duration. Try something like `1d12h`.", s)
		}
		n, err := strconv.ParseInt(raw[:i], 10, 64)
		if err != nil || n > int64((1<<63-1)/unit) {
			return 0, fmt.Errorf("duration %q overflows: %w", s, &UserError{Msg: "That duration is too long."})
		}
		total += time.Duration(n) * unit
		raw = raw[i+1:]
	}
	if total <= 0 {
		return 0, Errorf("Duration must be positive.")
	}
	return total, nil
}
