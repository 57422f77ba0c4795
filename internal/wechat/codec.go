package wechat

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Encode serializes params into the gateway's flat XML body. Values are
// CDATA-wrapped so &, < and > survive untouched. Keys are emitted in
// sorted order to keep the output deterministic.
func Encode(params Params) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("<xml>")
	for _, k := range keys {
		sb.WriteString("<")
		sb.WriteString(k)
		sb.WriteString("><![CDATA[")
		sb.WriteString(params[k])
		sb.WriteString("]]></")
		sb.WriteString(k)
		sb.WriteString(">")
	}
	sb.WriteString("</xml>")
	return sb.String()
}

// Decode parses a gateway XML body into a flat string map. Every value
// arrives as a string; numeric fields are the caller's problem. An
// unparsable body yields a MalformedResponse error carrying the raw body.
func Decode(body string) (Params, error) {
	dec := xml.NewDecoder(strings.NewReader(body))
	params := make(Params)

	depth := 0
	var field string
	var value strings.Builder

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformedResponse(body, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				field = t.Name.Local
				value.Reset()
			}
		case xml.CharData:
			if depth == 2 {
				value.Write(t)
			}
		case xml.EndElement:
			if depth == 2 && field != "" {
				params[field] = strings.TrimSpace(value.String())
				field = ""
			}
			depth--
		}
	}

	if len(params) == 0 {
		return nil, malformedResponse(body, fmt.Errorf("no fields in document"))
	}

	return params, nil
}

// AckSuccess is the acknowledgment body the gateway expects after a
// notification was fully processed. Anything else triggers a redelivery.
func AckSuccess() string {
	return Encode(Params{"return_code": "SUCCESS", "return_msg": "OK"})
}

// AckFail tells the gateway to retry the notification later.
func AckFail(msg string) string {
	if msg == "" {
		msg = "FAIL"
	}
	return Encode(Params{"return_code": "FAIL", "return_msg": msg})
}
