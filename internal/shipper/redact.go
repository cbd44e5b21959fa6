package shipper

import (
	"regexp"
	"sort"
	"strings"
)

// PatternType identifies a category of sensitive data in terminal text.
type PatternType string

const (
	PatternPath  PatternType = "PATH"
	PatternIP    PatternType = "IP"
	PatternHost  PatternType = "HOST"
	PatternCred  PatternType = "CRED"
	PatternEmail PatternType = "EMAIL"
	PatternUser  PatternType = "USER"
)

// Match is one occurrence of sensitive data.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

var (
	pathRe       = regexp.MustCompile(`(/(?:home|Users|var|etc|root|usr|tmp|opt)/\S+)`)
	ipv4Re       = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)
	hostRe       = regexp.MustCompile(`\b([a-zA-Z0-9][-a-zA-Z0-9]*\.[-a-zA-Z0-9]+\.[a-zA-Z]{2,})\b`)
	credKVRe     = regexp.MustCompile(`(?i)((?:password|passwd|secret|token|api_key|apikey|auth)[ \t]*[=:][ \t]*\S+)`)
	bearerRe     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]{16,}`)
	emailRe      = regexp.MustCompile(`\b([a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,})\b`)
	tildeUserRe  = regexp.MustCompile(`~([a-zA-Z_][a-zA-Z0-9_\-]+)`)
	passwdUserRe = regexp.MustCompile(`(?m)^([a-zA-Z_][a-zA-Z0-9_\-]*):x:\d+:\d+:`)
)

var safeHosts = map[string]bool{
	"example.com": true,
	"example.org": true,
	"localhost":   true,
	"github.com":  true,
	"golang.org":  true,
}

var safeIPs = map[string]bool{
	"127.0.0.1":       true,
	"0.0.0.0":         true,
	"255.255.255.255": true,
}

// Scan finds sensitive values in text, deduplicated and ordered by
// position.
func Scan(text string) []Match {
	seen := make(map[string]bool)
	var matches []Match

	add := func(typ PatternType, value string, start int) {
		value = strings.TrimRight(value, ".,;:\"'`)}]")
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		matches = append(matches, Match{Type: typ, Value: value, Start: start, End: start + len(value)})
	}

	for _, loc := range credKVRe.FindAllStringIndex(text, -1) {
		add(PatternCred, text[loc[0]:loc[1]], loc[0])
	}
	for _, loc := range bearerRe.FindAllStringIndex(text, -1) {
		add(PatternCred, text[loc[0]:loc[1]], loc[0])
	}
	for _, loc := range pathRe.FindAllStringIndex(text, -1) {
		add(PatternPath, text[loc[0]:loc[1]], loc[0])
	}
	for _, loc := range ipv4Re.FindAllStringIndex(text, -1) {
		if v := text[loc[0]:loc[1]]; !safeIPs[v] {
			add(PatternIP, v, loc[0])
		}
	}
	for _, loc := range emailRe.FindAllStringIndex(text, -1) {
		add(PatternEmail, text[loc[0]:loc[1]], loc[0])
	}
	for _, loc := range hostRe.FindAllStringIndex(text, -1) {
		v := text[loc[0]:loc[1]]
		if !safeHosts[strings.ToLower(v)] && !isIPLike(v) {
			add(PatternHost, v, loc[0])
		}
	}
	for _, sub := range passwdUserRe.FindAllStringSubmatchIndex(text, -1) {
		if v := text[sub[2]:sub[3]]; v != "root" {
			add(PatternUser, v, sub[2])
		}
	}
	for _, sub := range tildeUserRe.FindAllStringSubmatchIndex(text, -1) {
		add(PatternUser, text[sub[2]:sub[3]], sub[2])
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})
	return matches
}

// Redact replaces every sensitive value in text with a [TYPE] marker.
// Longer values are replaced first so a host inside an email or path does
// not leave a partial value behind.
func Redact(text string) string {
	matches := Scan(text)
	if len(matches) == 0 {
		return text
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return len(matches[i].Value) > len(matches[j].Value)
	})
	for _, m := range matches {
		text = strings.ReplaceAll(text, m.Value, "["+string(m.Type)+"]")
	}
	return text
}

func isIPLike(s string) bool {
	for _, c := range s {
		if c != '.' && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
