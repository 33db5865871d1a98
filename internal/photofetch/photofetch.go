// Package photofetch retrieves RETS photo bundles (spec.md §4.7) and
// splits the multipart/mixed payload into per-photo parts. Per DESIGN
// NOTES §9, the multipart split is a hand-written zero-copy scan over
// the response buffer, not a generic MIME library — the server's framing
// is a narrow subset (headers separated by "\r\n\r\n", parts bounded by
// "\r\n--<boundary>").
package photofetch

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"retssync/internal/retsclient"
	"retssync/internal/session"
)

const minPhotoResponseBytes = 100

// Photo is one extracted image part.
type Photo struct {
	ObjectID            string
	Data                []byte
	LastModified        string
	ContentSubDescription string
	ContentLabel        string
	Accessibility       string
	PhotoTimestamp      string
	ExtraHeaders        map[string]string // X-prefixed headers, verbatim
}

var boundaryPattern = regexp.MustCompile(`(?i)boundary\s*=\s*"?([^";]+)"?`)

// GetPropertyPhotos implements spec.md §4.7's getPropertyPhotos: it
// preserves binary parts verbatim, never scanning for JPEG magic — one
// of two preserved Open-Question variants alongside GetAgentOfficePhotos.
func GetPropertyPhotos(ctx context.Context, client *retsclient.Client, sess session.Session, listingID string) ([]Photo, error) {
	body, contentType, err := fetchPhotoObject(ctx, client, sess, listingID)
	if err != nil {
		return nil, err
	}
	if len(body) < minPhotoResponseBytes {
		return nil, nil
	}

	boundary := extractBoundary(contentType)
	if boundary == "" {
		return []Photo{{ObjectID: listingID, Data: body}}, nil
	}

	parts := splitMultipart(body, boundary)
	photos := make([]Photo, 0, len(parts))
	for _, p := range parts {
		headers, payload := splitHeaders(p)
		contentTypeHeader := headers["Content-Type"]
		if !strings.HasPrefix(strings.ToLower(contentTypeHeader), "image/") {
			continue
		}
		objectID := headers["Object-ID"]
		if objectID == "" {
			objectID = listingID
		}
		extra := map[string]string{}
		for k, v := range headers {
			if strings.HasPrefix(k, "X-") {
				extra[k] = v
			}
		}
		photos = append(photos, Photo{
			ObjectID:               objectID,
			Data:                   payload,
			LastModified:           headers["Last-Modified"],
			ContentSubDescription:  headers["Content-Sub-Description"],
			ContentLabel:           headers["Content-Label"],
			Accessibility:          headers["Accessibility"],
			PhotoTimestamp:         headers["Photo-Timestamp"],
			ExtraHeaders:           extra,
		})
	}
	return photos, nil
}

var jpegMagic = []byte{0xFF, 0xD8}

// GetAgentOfficePhotos implements spec.md §4.7's sibling helper for
// Agent/Office photos: Location=0, extracting JPEG payloads by locating
// the FF D8 start-of-image magic within each part (the server prepends
// additional framing for these resources).
func GetAgentOfficePhotos(ctx context.Context, client *retsclient.Client, sess session.Session, resource, objectID string) ([]Photo, error) {
	body, contentType, err := fetchObject(ctx, client, sess, resource, objectID, "0")
	if err != nil {
		return nil, err
	}
	if len(body) < minPhotoResponseBytes {
		return nil, nil
	}

	boundary := extractBoundary(contentType)
	if boundary == "" {
		if idx := bytes.Index(body, jpegMagic); idx >= 0 {
			return []Photo{{ObjectID: objectID, Data: body[idx:]}}, nil
		}
		return nil, nil
	}

	parts := splitMultipart(body, boundary)
	photos := make([]Photo, 0, len(parts))
	for _, p := range parts {
		idx := bytes.Index(p, jpegMagic)
		if idx < 0 {
			continue
		}
		photos = append(photos, Photo{ObjectID: objectID, Data: p[idx:]})
	}
	return photos, nil
}

func fetchPhotoObject(ctx context.Context, client *retsclient.Client, sess session.Session, listingID string) ([]byte, string, error) {
	return fetchObject(ctx, client, sess, "Property", listingID+":*", "")
}

func fetchObject(ctx context.Context, client *retsclient.Client, sess session.Session, resource, id, location string) ([]byte, string, error) {
	objectURL, ok := sess.Capability("GetObject")
	if !ok {
		return nil, "", fmt.Errorf("session missing GetObject capability")
	}
	q := url.Values{"Resource": {resource}, "Type": {"Photo"}, "ID": {id}}
	if location != "" {
		q.Set("Location", location)
	}
	resp, err := client.AuthenticatedRequest(ctx, sess, objectURL, q)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), resp.Header.Get("Content-Type"), nil
}

func extractBoundary(contentType string) string {
	m := boundaryPattern.FindStringSubmatch(contentType)
	if m == nil {
		return ""
	}
	return m[1]
}

// splitMultipart scans body for the sequence "--<boundary>" and returns
// the bytes between successive delimiters, trimming the leading CRLF
// each part carries and dropping the terminal "--" delimiter.
func splitMultipart(body []byte, boundary string) [][]byte {
	delim := []byte("--" + boundary)
	var parts [][]byte

	rest := body
	for {
		idx := bytes.Index(rest, delim)
		if idx < 0 {
			break
		}
		rest = rest[idx+len(delim):]
		if bytes.HasPrefix(rest, []byte("--")) {
			break // closing delimiter
		}
		next := bytes.Index(rest, delim)
		var part []byte
		if next < 0 {
			part = rest
		} else {
			part = rest[:next]
		}
		part = bytes.TrimPrefix(part, []byte("\r\n"))
		part = bytes.TrimSuffix(part, []byte("\r\n"))
		if len(part) > 0 {
			parts = append(parts, part)
		}
		if next < 0 {
			break
		}
	}
	return parts
}

// splitHeaders scans a part for its header block (terminated by a blank
// line, "\r\n\r\n") and returns the parsed headers plus the remaining
// binary payload.
func splitHeaders(part []byte) (map[string]string, []byte) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(part, sep)
	if idx < 0 {
		return map[string]string{}, part
	}
	headerBlock := part[:idx]
	payload := part[idx+len(sep):]

	headers := map[string]string{}
	for _, line := range bytes.Split(headerBlock, []byte("\r\n")) {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		headers[string(bytes.TrimSpace(name))] = string(bytes.TrimSpace(value))
	}
	return headers, payload
}
