package pssh

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	wvpb "github.com/devatadev/gowvserve/wv/proto"
	"google.golang.org/protobuf/proto"

	"capstan/internal/keys"
)

func widevineBox(t *testing.T, kids ...keys.KeyID) []byte {
	t.Helper()
	payload := &wvpb.WidevinePsshData{
		Algorithm: wvpb.WidevinePsshData_AESCTR.Enum(),
	}
	for _, kid := range kids {
		payload.KeyIds = append(payload.KeyIds, kid.Bytes())
	}
	data, err := proto.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal widevine pssh data: %v", err)
	}
	return buildBox(SystemWidevine, data)
}

func playReadyBox(t *testing.T, kid keys.KeyID) []byte {
	t.Helper()
	record := buildWRMRecord([]keys.KeyID{kid})
	if record == nil {
		t.Fatal("buildWRMRecord returned nil")
	}
	return buildBox(SystemPlayReady, record)
}

func TestParseBoxWidevine(t *testing.T) {
	kidA := mustKeyID(t, "0123456789abcdef0123456789abcdef")
	kidB := mustKeyID(t, "fedcba9876543210fedcba9876543210")
	box := widevineBox(t, kidA, kidB)

	h, err := ParseBox(box)
	if err != nil {
		t.Fatalf("ParseBox failed: %v", err)
	}
	if h.System != SystemWidevine {
		t.Errorf("System = %s, want Widevine", h.System)
	}
	if !bytes.Equal(h.Box, box) {
		t.Error("Box does not hold the original bytes")
	}
	if len(h.KeyIDs) != 2 {
		t.Fatalf("KeyIDs = %v, want 2 entries", h.KeyIDs)
	}
	if h.KeyIDs[0] != kidA || h.KeyIDs[1] != kidB {
		t.Errorf("KeyIDs = %v, want [%s %s] in header order", h.KeyIDs, kidA, kidB)
	}
}

func TestParseBoxPlayReady(t *testing.T) {
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")
	box := playReadyBox(t, kid)

	h, err := ParseBox(box)
	if err != nil {
		t.Fatalf("ParseBox failed: %v", err)
	}
	if h.System != SystemPlayReady {
		t.Errorf("System = %s, want PlayReady", h.System)
	}
	if len(h.KeyIDs) != 1 || h.KeyIDs[0] != kid {
		t.Errorf("KeyIDs = %v, want [%s]", h.KeyIDs, kid)
	}
}

func TestFromInitDataScansSurroundingBytes(t *testing.T) {
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")
	box := widevineBox(t, kid)

	var initData []byte
	initData = append(initData, bytes.Repeat([]byte{0xde, 0xad}, 16)...)
	initData = append(initData, box...)
	initData = append(initData, bytes.Repeat([]byte{0xbe, 0xef}, 16)...)

	h, err := FromInitData(initData, SystemWidevine)
	if err != nil {
		t.Fatalf("FromInitData failed: %v", err)
	}
	if len(h.KeyIDs) != 1 || h.KeyIDs[0] != kid {
		t.Errorf("KeyIDs = %v, want [%s]", h.KeyIDs, kid)
	}
}

func TestFromInitDataConvertsOtherSystem(t *testing.T) {
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")
	initData := playReadyBox(t, kid)

	h, err := FromInitData(initData, SystemWidevine)
	if err != nil {
		t.Fatalf("FromInitData failed: %v", err)
	}
	if h.System != SystemWidevine {
		t.Errorf("System = %s, want Widevine after conversion", h.System)
	}
	if len(h.KeyIDs) != 1 || h.KeyIDs[0] != kid {
		t.Errorf("KeyIDs = %v, want [%s]", h.KeyIDs, kid)
	}

	// The converted box must itself parse as Widevine with the same KID.
	reparsed, err := ParseBox(h.Box)
	if err != nil {
		t.Fatalf("reparse converted box: %v", err)
	}
	if reparsed.System != SystemWidevine {
		t.Errorf("reparsed System = %s, want Widevine", reparsed.System)
	}
	if len(reparsed.KeyIDs) != 1 || reparsed.KeyIDs[0] != kid {
		t.Errorf("reparsed KeyIDs = %v, want [%s]", reparsed.KeyIDs, kid)
	}
}

func TestFromInitDataMisses(t *testing.T) {
	if _, err := FromInitData(nil, SystemWidevine); !errors.Is(err, ErrHeaderNotFound) {
		t.Errorf("empty init data: err = %v, want ErrHeaderNotFound", err)
	}
	if _, err := FromInitData([]byte("no boxes here at all"), SystemWidevine); !errors.Is(err, ErrHeaderNotFound) {
		t.Errorf("boxless init data: err = %v, want ErrHeaderNotFound", err)
	}
}

func TestConvertWidevineToPlayReady(t *testing.T) {
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")
	h, err := ParseBox(widevineBox(t, kid))
	if err != nil {
		t.Fatalf("ParseBox failed: %v", err)
	}

	converted, err := h.Convert(SystemPlayReady)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if converted.System != SystemPlayReady {
		t.Errorf("System = %s, want PlayReady", converted.System)
	}

	reparsed, err := ParseBox(converted.Box)
	if err != nil {
		t.Fatalf("reparse converted box: %v", err)
	}
	if len(reparsed.KeyIDs) != 1 || reparsed.KeyIDs[0] != kid {
		t.Errorf("reparsed KeyIDs = %v, want [%s]", reparsed.KeyIDs, kid)
	}
}

func TestConvertSameSystemIsIdentity(t *testing.T) {
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")
	h, err := ParseBox(widevineBox(t, kid))
	if err != nil {
		t.Fatalf("ParseBox failed: %v", err)
	}
	converted, err := h.Convert(SystemWidevine)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if converted != h {
		t.Error("converting to the same system should return the header unchanged")
	}
}

func TestConvertWithoutKeyIDs(t *testing.T) {
	h := &Header{System: SystemPlayReady}
	if _, err := h.Convert(SystemWidevine); !errors.Is(err, ErrKeyIDNotFound) {
		t.Errorf("err = %v, want ErrKeyIDNotFound", err)
	}
}

func TestPlayReadyKeyIDsXMLForms(t *testing.T) {
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")
	b64 := kidBase64LE(kid)

	tests := []struct {
		name string
		xml  string
	}{
		{
			"legacy data kid value",
			`<WRMHEADER version="4.0.0.0"><DATA><KID>` + b64 + `</KID></DATA></WRMHEADER>`,
		},
		{
			"protectinfo kid list",
			`<WRMHEADER version="4.2.0.0"><DATA><PROTECTINFO><KIDS><KID VALUE="` + b64 + `"></KID></KIDS></PROTECTINFO></DATA></WRMHEADER>`,
		},
		{
			"custom attributes kid list",
			`<WRMHEADER version="4.0.0.0"><DATA><CUSTOMATTRIBUTES><KIDS><KID VALUE="` + b64 + `"/></KIDS></CUSTOMATTRIBUTES></DATA></WRMHEADER>`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := playReadyKeyIDs([]byte(tc.xml))
			if len(got) != 1 || got[0] != kid {
				t.Errorf("playReadyKeyIDs = %v, want [%s]", got, kid)
			}
		})
	}
}

func TestPlayReadyKeyIDsDeduplicates(t *testing.T) {
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")
	b64 := kidBase64LE(kid)
	xml := `<WRMHEADER version="4.2.0.0"><DATA>` +
		`<PROTECTINFO><KIDS><KID VALUE="` + b64 + `"></KID></KIDS></PROTECTINFO>` +
		`<KID>` + b64 + `</KID>` +
		`</DATA></WRMHEADER>`

	got := playReadyKeyIDs([]byte(xml))
	if len(got) != 1 {
		t.Errorf("playReadyKeyIDs = %v, want a single deduplicated KID", got)
	}
}

func TestAddKeyID(t *testing.T) {
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")
	h := &Header{System: SystemWidevine}

	h.AddKeyID(keys.ZeroKeyID)
	if len(h.KeyIDs) != 0 {
		t.Error("zero key ID should not be added")
	}

	h.AddKeyID(kid)
	h.AddKeyID(kid)
	if len(h.KeyIDs) != 1 {
		t.Errorf("KeyIDs = %v, want one deduplicated entry", h.KeyIDs)
	}
}

func TestSystemFromID(t *testing.T) {
	if got := SystemFromID(WidevineSystemID); got != SystemWidevine {
		t.Errorf("SystemFromID(widevine) = %s", got)
	}
	if got := SystemFromID(PlayReadySystemID); got != SystemPlayReady {
		t.Errorf("SystemFromID(playready) = %s", got)
	}
	if got := SystemFromID(make([]byte, 16)); got != SystemUnknown {
		t.Errorf("SystemFromID(zeros) = %s, want Unknown", got)
	}
}

func kidBase64LE(kid keys.KeyID) string {
	be := kid.Bytes()
	le := make([]byte, 16)
	le[0], le[1], le[2], le[3] = be[3], be[2], be[1], be[0]
	le[4], le[5] = be[5], be[4]
	le[6], le[7] = be[7], be[6]
	copy(le[8:], be[8:])
	return base64.StdEncoding.EncodeToString(le)
}

func mustKeyID(t *testing.T, s string) keys.KeyID {
	t.Helper()
	kid, err := keys.ParseKeyID(s)
	if err != nil {
		t.Fatalf("ParseKeyID(%q) failed: %v", s, err)
	}
	return kid
}
