package pssh

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"capstan/internal/keys"
)

const wrmRecordType = 1

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// wrmHeader mirrors the locations a WRM header can carry KIDs in:
// the single legacy DATA/KID, the 4.1+ PROTECTINFO list, and the
// CUSTOMATTRIBUTES/KIDS list some services use for multi-key content.
type wrmHeader struct {
	Data struct {
		KID struct {
			Value string `xml:"VALUE,attr"`
			Text  string `xml:",chardata"`
		} `xml:"KID"`
		ProtectInfo struct {
			KIDs []struct {
				Value string `xml:"VALUE,attr"`
			} `xml:"KIDS>KID"`
		} `xml:"PROTECTINFO"`
		CustomAttributes struct {
			KIDs []struct {
				Value string `xml:"VALUE,attr"`
				Text  string `xml:",chardata"`
			} `xml:"KIDS>KID"`
		} `xml:"CUSTOMATTRIBUTES"`
	} `xml:"DATA"`
}

// playReadyKeyIDs extracts every KID from a PlayReady pssh payload. The
// payload is normally a PlayReady Header Object wrapping UTF-16LE XML; bare
// XML (as found in HLS key URIs) is accepted too. When structured parsing
// yields nothing a raw attribute scan runs as a last resort.
func playReadyKeyIDs(data []byte) []keys.KeyID {
	xmlText := wrmXML(data)
	if xmlText == "" {
		return nil
	}

	var out []keys.KeyID
	add := func(b64 string) {
		kid, err := decodeWRMKID(b64)
		if err != nil || kid.IsZero() {
			return
		}
		for _, existing := range out {
			if existing == kid {
				return
			}
		}
		out = append(out, kid)
	}

	var header wrmHeader
	if err := xml.Unmarshal([]byte(xmlText), &header); err == nil {
		for _, kid := range header.Data.CustomAttributes.KIDs {
			add(kid.Value)
			add(kid.Text)
		}
		for _, kid := range header.Data.ProtectInfo.KIDs {
			add(kid.Value)
		}
		add(header.Data.KID.Value)
		add(header.Data.KID.Text)
	}

	if len(out) == 0 {
		for _, b64 := range scanKIDAttributes(xmlText) {
			add(b64)
		}
	}
	return out
}

// wrmXML recovers the WRM header XML text from a PlayReady payload, walking
// the header object's record table when present.
func wrmXML(data []byte) string {
	if len(data) >= 10 {
		total := binary.LittleEndian.Uint32(data[0:4])
		count := binary.LittleEndian.Uint16(data[4:6])
		if int(total) <= len(data) && count > 0 && count < 64 {
			offset := 6
			for i := 0; i < int(count) && offset+4 <= len(data); i++ {
				recordType := binary.LittleEndian.Uint16(data[offset : offset+2])
				recordLen := int(binary.LittleEndian.Uint16(data[offset+2 : offset+4]))
				offset += 4
				if offset+recordLen > len(data) {
					break
				}
				if recordType == wrmRecordType {
					if text := decodeUTF16(data[offset : offset+recordLen]); text != "" {
						return text
					}
				}
				offset += recordLen
			}
		}
	}
	// Bare XML, UTF-16 or UTF-8.
	if text := decodeUTF16(data); strings.Contains(text, "<WRMHEADER") {
		return text
	}
	if text := string(data); strings.Contains(text, "<WRMHEADER") {
		return text
	}
	return ""
}

func decodeUTF16(data []byte) string {
	decoded, err := utf16le.NewDecoder().Bytes(data)
	if err != nil {
		return ""
	}
	text := string(decoded)
	start := strings.Index(text, "<WRMHEADER")
	if start < 0 {
		return ""
	}
	end := strings.Index(text, "</WRMHEADER>")
	if end < 0 {
		return ""
	}
	return text[start : end+len("</WRMHEADER>")]
}

var kidAttrPattern = regexp.MustCompile(`<KID[^>]*VALUE="([A-Za-z0-9+/=]+)"|<KID>([A-Za-z0-9+/=]+)</KID>`)

// scanKIDAttributes is the raw fallback: pull base64 KID values straight out
// of the XML text without relying on document structure.
func scanKIDAttributes(xmlText string) []string {
	var out []string
	for _, match := range kidAttrPattern.FindAllStringSubmatch(xmlText, -1) {
		if match[1] != "" {
			out = append(out, match[1])
		}
		if match[2] != "" {
			out = append(out, match[2])
		}
	}
	return out
}

// decodeWRMKID decodes one base64 KID value in Microsoft byte order.
func decodeWRMKID(b64 string) (keys.KeyID, error) {
	b64 = strings.TrimSpace(b64)
	if b64 == "" {
		return keys.KeyID{}, fmt.Errorf("empty KID value")
	}
	raw, err := base64.StdEncoding.DecodeString(padBase64(b64))
	if err != nil {
		return keys.KeyID{}, fmt.Errorf("decode KID value: %w", err)
	}
	return keys.KeyIDFromLittleEndian(raw)
}

func padBase64(s string) string {
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return s
}

// buildWRMRecord produces a minimal 4.0.0.0 WRM header object naming the
// given KIDs, used when converting a Widevine header to PlayReady.
func buildWRMRecord(kids []keys.KeyID) []byte {
	first := kids[0]
	le := make([]byte, 16)
	be := first.Bytes()
	le[0], le[1], le[2], le[3] = be[3], be[2], be[1], be[0]
	le[4], le[5] = be[5], be[4]
	le[6], le[7] = be[7], be[6]
	copy(le[8:], be[8:])

	xmlText := `<WRMHEADER xmlns="http://schemas.microsoft.com/DRM/2007/03/PlayReadyHeader" version="4.0.0.0">` +
		`<DATA><PROTECTINFO><KEYLEN>16</KEYLEN><ALGID>AESCTR</ALGID></PROTECTINFO>` +
		`<KID>` + base64.StdEncoding.EncodeToString(le) + `</KID></DATA></WRMHEADER>`

	encoded, err := utf16le.NewEncoder().Bytes([]byte(xmlText))
	if err != nil {
		return nil
	}

	record := make([]byte, 0, 10+len(encoded))
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(10+len(encoded)))
	record = append(record, scratch[:]...)
	binary.LittleEndian.PutUint16(scratch[:2], 1) // record count
	record = append(record, scratch[:2]...)
	binary.LittleEndian.PutUint16(scratch[:2], wrmRecordType)
	record = append(record, scratch[:2]...)
	binary.LittleEndian.PutUint16(scratch[:2], uint16(len(encoded)))
	record = append(record, scratch[:2]...)
	record = append(record, encoded...)
	return record
}
