package server

import (
	"encoding/xml"
	"net/http"
)

// Status codes of the legacy notify result document
const (
	StatusDone            = 0
	StatusSignatureFailed = 1
	StatusNotFound        = 3
	StatusUnparseable     = 4
)

type statusDocument struct {
	XMLName xml.Name `xml:"result"`
	Status  int      `xml:"status"`
	Message string   `xml:"message,omitempty"`
}

// StatusXML renders <result><status>N</status><message>...</message></result>
func StatusXML(status int, message string) []byte {
	body, err := xml.Marshal(statusDocument{Status: status, Message: message})
	if err != nil {
		// statusDocument always marshals
		panic(err)
	}
	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, xml.Header...)
	out = append(out, body...)
	return append(out, '\n')
}

func writeStatus(w http.ResponseWriter, code, status int, message string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(StatusXML(status, message))
}
