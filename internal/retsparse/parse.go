// Package retsparse parses the three RETS wire response shapes (spec.md
// §4.2): the login/capability response, metadata responses, and search
// results. Per DESIGN NOTES §9 and spec.md's own instruction, this is a
// hand-written scanner over the response text, not a generic XML parser —
// the server's framing is a narrow, line-oriented subset.
package retsparse

import (
	"regexp"
	"strconv"
	"strings"

	"retssync/internal/rets"
)

// LoginResponse is the parsed body of a successful Login call: reply code,
// reply text, and the capability-name -> URL map.
type LoginResponse struct {
	ReplyCode    string
	ReplyText    string
	Capabilities map[string]string
}

// MetadataBlock is one <METADATA-X> element: its tag attributes plus the
// COLUMNS-defined rows from its DATA lines.
type MetadataBlock struct {
	Type    string
	Attrs   map[string]string
	Columns []string
	Rows    [][]string
}

// MetadataResponse wraps the top-level reply code/text plus zero or more
// metadata blocks (a single METADATA-TABLE call returns one; a compact
// all-classes fetch could return several).
type MetadataResponse struct {
	ReplyCode string
	ReplyText string
	Blocks    []MetadataBlock
}

// SearchResponse is a parsed Search result: columns, rows, and the
// reported record count.
type SearchResponse struct {
	ReplyCode string
	ReplyText string
	Columns   []string
	Rows      [][]string
	Count     int
}

var (
	retsResponseTag = regexp.MustCompile(`(?is)<RETS-RESPONSE[^>]*>(.*?)</RETS-RESPONSE>`)
	replyCodeAttr   = regexp.MustCompile(`(?i)ReplyCode\s*=\s*"([^"]*)"`)
	replyTextAttr   = regexp.MustCompile(`(?i)ReplyText\s*=\s*"([^"]*)"`)
	metadataTag     = regexp.MustCompile(`(?is)<METADATA-([A-Z_]+)([^>]*)>`)
	attrPair        = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*=\s*"([^"]*)"`)
	columnsLine     = regexp.MustCompile(`(?is)<COLUMNS>\s*(.*?)\s*</COLUMNS>`)
	dataLine        = regexp.MustCompile(`(?is)<DATA>\s*(.*?)\s*</DATA>`)
	countAttr       = regexp.MustCompile(`(?i)<COUNT\s+Records\s*=\s*"(\d+)"`)
	unauthQueryRe   = regexp.MustCompile(`class \[([^\]]+)\] in resource \[([^\]]+)\]`)
)

// splitTabRow splits one COLUMNS/DATA line on tabs, trims each field, and
// normalizes empty trailing columns to "" (spec.md §4.2). It never errors:
// misaligned rows are right-padded by the caller via alignRow.
func splitTabRow(line string) []string {
	line = strings.Trim(line, "\t")
	parts := strings.Split(line, "\t")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

// alignRow pads row to len(columns) with empty strings, matching spec.md
// §4.2: "Values misaligned by length are right-padded with empty strings;
// no error is raised."
func alignRow(row []string, columns int) []string {
	if len(row) >= columns {
		return row[:columns]
	}
	out := make([]string, columns)
	copy(out, row)
	return out
}

func attrs(raw string) map[string]string {
	m := make(map[string]string)
	for _, match := range attrPair.FindAllStringSubmatch(raw, -1) {
		m[match[1]] = match[2]
	}
	return m
}

// ParseLogin parses a Login response body (spec.md §4.1/§4.2). Lines whose
// key starts with "Info" are ignored.
func ParseLogin(body string) (LoginResponse, error) {
	block := retsResponseTag.FindStringSubmatch(body)
	if block == nil {
		return LoginResponse{}, rets.Parse("missing RETS-RESPONSE block", nil)
	}
	out := LoginResponse{Capabilities: make(map[string]string)}
	for _, line := range strings.Split(block[1], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if strings.HasPrefix(key, "Info") {
			continue
		}
		switch key {
		case "ReplyCode":
			out.ReplyCode = value
		case "ReplyText":
			out.ReplyText = value
		default:
			out.Capabilities[key] = value
		}
	}
	if out.ReplyCode == "" && out.ReplyText == "" {
		return LoginResponse{}, rets.Parse("malformed login response: missing ReplyCode/ReplyText", nil)
	}
	return out, nil
}

// ParseMetadata parses a METADATA-X response (spec.md §4.2).
func ParseMetadata(body string) (MetadataResponse, error) {
	rc := firstMatch(replyCodeAttr, body)
	rt := firstMatch(replyTextAttr, body)
	if rc == "" && rt == "" {
		return MetadataResponse{}, rets.Parse("malformed metadata response: missing ReplyCode/ReplyText", nil)
	}

	out := MetadataResponse{ReplyCode: rc, ReplyText: rt}
	tagMatches := metadataTag.FindAllStringSubmatchIndex(body, -1)
	for i, tm := range tagMatches {
		typ := body[tm[2]:tm[3]]
		attrRaw := body[tm[4]:tm[5]]
		blockStart := tm[1]
		blockEnd := len(body)
		if i+1 < len(tagMatches) {
			blockEnd = tagMatches[i+1][0]
		}
		section := body[blockStart:blockEnd]

		block := MetadataBlock{Type: "METADATA-" + typ, Attrs: attrs(attrRaw)}
		if cm := columnsLine.FindStringSubmatch(section); cm != nil {
			block.Columns = splitTabRow(cm[1])
		}
		for _, dm := range dataLine.FindAllStringSubmatch(section, -1) {
			row := splitTabRow(dm[1])
			if block.Columns != nil {
				row = alignRow(row, len(block.Columns))
			}
			block.Rows = append(block.Rows, row)
		}
		out.Blocks = append(out.Blocks, block)
	}
	return out, nil
}

// ParseSearch parses a Search response (spec.md §4.2).
func ParseSearch(body string) (SearchResponse, error) {
	rc := firstMatch(replyCodeAttr, body)
	rt := firstMatch(replyTextAttr, body)
	if rc == "" && rt == "" {
		return SearchResponse{}, rets.Parse("malformed search response: missing ReplyCode/ReplyText", nil)
	}

	out := SearchResponse{ReplyCode: rc, ReplyText: rt}
	if cm := columnsLine.FindStringSubmatch(body); cm != nil {
		out.Columns = splitTabRow(cm[1])
	}
	for _, dm := range dataLine.FindAllStringSubmatch(body, -1) {
		row := splitTabRow(dm[1])
		if out.Columns != nil {
			row = alignRow(row, len(out.Columns))
		}
		out.Rows = append(out.Rows, row)
	}
	if cm := countAttr.FindStringSubmatch(body); cm != nil {
		if n, err := strconv.Atoi(cm[1]); err == nil {
			out.Count = n
		}
	}
	return out, nil
}

// IsUnauthorizedQuery detects the transient-lockout signature from
// spec.md §4.2/§4.5: ReplyCode 20207 with "Unauthorized Query" in the
// reply text, and extracts the offending (resource, class) pair.
func IsUnauthorizedQuery(replyCode, replyText string) (resource, class string, ok bool) {
	if replyCode != "20207" || !strings.Contains(replyText, "Unauthorized Query") {
		return "", "", false
	}
	m := unauthQueryRe.FindStringSubmatch(replyText)
	if m == nil {
		return "", "", true
	}
	return m[2], m[1], true
}

func firstMatch(re *regexp.Regexp, body string) string {
	m := re.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return m[1]
}
